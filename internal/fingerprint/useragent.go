package fingerprint

import (
	"regexp"
	"strings"
)

// Rendering engines.
const (
	engineBlink  = "Blink"
	engineGecko  = "Gecko"
	engineWebKit = "WebKit"
)

var (
	versionAfter = func(marker string) *regexp.Regexp {
		return regexp.MustCompile(regexp.QuoteMeta(marker) + `/?\s?([0-9]+(?:\.[0-9]+)*)`)
	}

	reEdge    = versionAfter("Edg")
	reOpera   = versionAfter("OPR")
	reChrome  = versionAfter("Chrome")
	reFirefox = versionAfter("Firefox")
	reSafari  = versionAfter("Version")

	reWindowsNT = regexp.MustCompile(`Windows NT ([0-9.]+)`)
	reMacOS     = regexp.MustCompile(`Mac OS X ([0-9_.]+)`)
	reAndroid   = regexp.MustCompile(`Android ([0-9.]+)`)
	reIOS       = regexp.MustCompile(`OS ([0-9_]+) like Mac OS X`)
)

// windowsVersions maps NT kernel versions to marketing names.
var windowsVersions = map[string]string{
	"10.0": "10",
	"6.3":  "8.1",
	"6.2":  "8",
	"6.1":  "7",
}

func parseBrowser(ua string) Browser {
	if ua == "" {
		return Browser{Name: Unknown, Version: Unknown, Engine: Unknown}
	}

	switch {
	case strings.Contains(ua, "Edg/") || strings.Contains(ua, "Edge/"):
		return Browser{Name: "Edge", Version: firstMatch(reEdge, ua), Engine: engineBlink}
	case strings.Contains(ua, "OPR/") || strings.Contains(ua, "Opera"):
		return Browser{Name: "Opera", Version: firstMatch(reOpera, ua), Engine: engineBlink}
	case strings.Contains(ua, "Firefox/"):
		return Browser{Name: "Firefox", Version: firstMatch(reFirefox, ua), Engine: engineGecko}
	case strings.Contains(ua, "Chrome/"):
		return Browser{Name: "Chrome", Version: firstMatch(reChrome, ua), Engine: engineBlink}
	case strings.Contains(ua, "Safari/"):
		return Browser{Name: "Safari", Version: firstMatch(reSafari, ua), Engine: engineWebKit}
	default:
		return Browser{Name: Unknown, Version: Unknown, Engine: Unknown}
	}
}

func parseOS(ua string) OS {
	if ua == "" {
		return OS{Name: Unknown, Version: Unknown, Architecture: Unknown}
	}

	arch := parseArchitecture(ua)

	switch {
	case strings.Contains(ua, "Windows NT"):
		version := firstMatch(reWindowsNT, ua)
		if name, ok := windowsVersions[version]; ok {
			version = name
		}
		return OS{Name: "Windows", Version: version, Architecture: arch}
	case strings.Contains(ua, "iPhone") || strings.Contains(ua, "iPad"):
		version := strings.ReplaceAll(firstMatch(reIOS, ua), "_", ".")
		return OS{Name: "iOS", Version: version, Architecture: arch}
	case strings.Contains(ua, "Mac OS X"):
		version := strings.ReplaceAll(firstMatch(reMacOS, ua), "_", ".")
		return OS{Name: "macOS", Version: version, Architecture: arch}
	case strings.Contains(ua, "Android"):
		return OS{Name: "Android", Version: firstMatch(reAndroid, ua), Architecture: arch}
	case strings.Contains(ua, "Linux"):
		return OS{Name: "Linux", Version: Unknown, Architecture: arch}
	default:
		return OS{Name: Unknown, Version: Unknown, Architecture: arch}
	}
}

func parseArchitecture(ua string) string {
	switch {
	case strings.Contains(ua, "x86_64"), strings.Contains(ua, "x64"), strings.Contains(ua, "Win64"), strings.Contains(ua, "WOW64"):
		return "x64"
	case strings.Contains(ua, "aarch64"), strings.Contains(ua, "arm64"):
		return "arm64"
	case strings.Contains(ua, "arm"):
		return "arm"
	case strings.Contains(ua, "i686"), strings.Contains(ua, "i386"):
		return "x86"
	default:
		return Unknown
	}
}

func parseDevice(ua string) Device {
	if ua == "" {
		return Device{Type: Unknown, Model: Unknown, Vendor: Unknown}
	}

	switch {
	case strings.Contains(ua, "iPad"):
		return Device{Type: DeviceTablet, Model: "iPad", Vendor: "Apple"}
	case strings.Contains(ua, "iPhone"):
		return Device{Type: DeviceMobile, Model: "iPhone", Vendor: "Apple"}
	case strings.Contains(ua, "Android") && strings.Contains(ua, "Mobile"):
		return Device{Type: DeviceMobile, Model: Unknown, Vendor: Unknown}
	case strings.Contains(ua, "Android"), strings.Contains(ua, "Tablet"):
		return Device{Type: DeviceTablet, Model: Unknown, Vendor: Unknown}
	case strings.Contains(ua, "Mobi"):
		return Device{Type: DeviceMobile, Model: Unknown, Vendor: Unknown}
	case strings.Contains(ua, "Macintosh"):
		return Device{Type: DeviceDesktop, Model: "Mac", Vendor: "Apple"}
	case strings.Contains(ua, "Windows"), strings.Contains(ua, "Linux"), strings.Contains(ua, "X11"):
		return Device{Type: DeviceDesktop, Model: Unknown, Vendor: Unknown}
	default:
		return Device{Type: Unknown, Model: Unknown, Vendor: Unknown}
	}
}

func firstMatch(re *regexp.Regexp, ua string) string {
	if m := re.FindStringSubmatch(ua); len(m) > 1 {
		return m[1]
	}
	return Unknown
}
