package version

// version is overridden at build time with
// -ldflags "-X github.com/umduru/umdu-haos-updater/version.version=vX.Y.Z"
var version = "development"

// Version returns the add-on build version.
func Version() string {
	return version
}
