//go:build !windows

package integrity

func defaultPlatformChecker() PlatformChecker {
	return DetachedChecker{}
}
