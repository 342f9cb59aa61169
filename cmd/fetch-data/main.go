// Package main prefetches instrument reference data into the local
// cache so later reductions run without network access.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/neutron-data/powder.report/internal/registry"
)

var (
	instrument = flag.String("instrument", "all", "Instrument to fetch for: dream, powgen, beer or all")
	names      = flag.String("names", "", "Comma-separated file names to fetch (default: every bundled file)")
	unzip      = flag.Bool("unzip", false, "Unpack fetched zip archives in the cache")
	mirror     = flag.String("mirror", "", "s3://bucket/prefix mirror tried after the primary URL")
	status     = flag.Bool("status", false, "Print the cache status and exit without fetching")
)

func registriesFor(name string) ([]*registry.Registry, error) {
	switch name {
	case "dream":
		return []*registry.Registry{registry.ForDream()}, nil
	case "powgen":
		return []*registry.Registry{registry.ForPowgen()}, nil
	case "beer":
		return []*registry.Registry{registry.ForBeer()}, nil
	case "all":
		return []*registry.Registry{registry.ForDream(), registry.ForPowgen(), registry.ForBeer()}, nil
	default:
		return nil, fmt.Errorf("unknown instrument %q (expected dream, powgen, beer or all)", name)
	}
}

func main() {
	flag.Parse()

	regs, err := registriesFor(*instrument)
	if err != nil {
		log.Fatalf("Invalid arguments: %v", err)
	}

	if *mirror != "" {
		m, err := registry.MirrorFromURL(*mirror)
		if err != nil {
			log.Fatalf("Invalid mirror: %v", err)
		}
		for _, reg := range regs {
			reg.Mirror = m
		}
	}

	if *status {
		printStatus(regs)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wanted := splitNames(*names)
	remaining := make(map[string]bool, len(wanted))
	for _, name := range wanted {
		remaining[name] = true
	}

	for _, reg := range regs {
		fetched, err := fetchRegistry(ctx, reg, wanted, *unzip)
		if err != nil {
			log.Fatalf("Fetch for %s failed: %v", reg.Instrument, err)
		}
		for _, name := range fetched {
			delete(remaining, name)
		}
	}

	if len(remaining) > 0 {
		missing := make([]string, 0, len(remaining))
		for name := range remaining {
			missing = append(missing, name)
		}
		sort.Strings(missing)
		log.Fatalf("Unknown data files: %s", strings.Join(missing, ", "))
	}
	log.Printf("Fetch complete")
}

// fetchRegistry fetches the wanted files bundled for one instrument, or
// every bundled file when wanted is empty, and returns the names it
// fetched.
func fetchRegistry(ctx context.Context, reg *registry.Registry, wanted []string, unpack bool) ([]string, error) {
	list := wanted
	if len(list) == 0 {
		list = make([]string, 0, len(reg.Files))
		for name := range reg.Files {
			list = append(list, name)
		}
		sort.Strings(list)
	}

	var fetched []string
	for _, name := range list {
		if _, ok := reg.Files[name]; !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fetched, err
		}
		if unpack && strings.HasSuffix(name, ".zip") {
			members, err := reg.FetchUnzipped(ctx, name)
			if err != nil {
				return fetched, err
			}
			log.Printf("[%s] %s: %d members", reg.Instrument, name, len(members))
		} else {
			path, err := reg.Fetch(ctx, name)
			if err != nil {
				return fetched, err
			}
			log.Printf("[%s] %s -> %s", reg.Instrument, name, path)
		}
		fetched = append(fetched, name)
	}
	return fetched, nil
}

func printStatus(regs []*registry.Registry) {
	fmt.Println("========== Reference Data Cache ==========")
	for _, reg := range regs {
		files, err := reg.Status()
		if err != nil {
			log.Fatalf("Status for %s failed: %v", reg.Instrument, err)
		}
		cached := 0
		var bytes int64
		for _, f := range files {
			if f.Cached {
				cached++
				bytes += f.Bytes
			}
		}
		fmt.Printf("\n%s: %d of %d files cached (%d bytes)\n", reg.Instrument, cached, len(files), bytes)
		for _, f := range files {
			marker := "missing"
			if f.Cached {
				marker = "cached "
			}
			fmt.Printf("  [%s] %s\n", marker, f.Name)
		}
	}
}

func splitNames(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
