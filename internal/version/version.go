package version

// Version is the current version of timescaledb-parallel-copy.
// Can be overridden at build time with -ldflags "-X ...version.Version=..."
var Version = "0.1.0"

// Name is the application name.
const Name = "timescaledb-parallel-copy"

// Description is a short description of the application.
const Description = "Parallel bulk loader for PostgreSQL and TimescaleDB using COPY"

// String returns the name and version, e.g. for the CLI banner.
func String() string {
	return Name + " " + Version
}
