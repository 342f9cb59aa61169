package powder

// Physical constants (CODATA 2018). Conversions between time-of-flight,
// wavelength and d-spacing use these directly rather than pre-baked magic
// factors so the unit handling stays visible at the call sites.
const (
	// PlanckConstant in J*s.
	PlanckConstant = 6.62607015e-34
	// NeutronMass in kg.
	NeutronMass = 1.67492749804e-27
)

// Common unit tags. Units are carried as plain strings on data containers;
// conversion points are explicit and there is no general unit algebra.
const (
	UnitMicroseconds        = "us"
	UnitAngstrom            = "angstrom"
	UnitCounts              = "counts"
	UnitOne                 = "one"
	UnitRadians             = "rad"
	UnitMicroampHour        = "uAh"
	UnitPicocoulomb         = "pC"
	UnitInverseAngstrom     = "1/angstrom"
	UnitInverseAngstromSqrd = "1/angstrom^2"
)
