package powgen

import "github.com/neutron-data/powder.report/internal/powder"

// Beamline positions in metres. POWGEN sits 60 m from the moderator;
// pixel positions in the geometry table are relative to the sample.
var (
	DefaultSamplePosition = powder.Vec3{}
	DefaultSourcePosition = powder.Vec3{Z: -60}
)
