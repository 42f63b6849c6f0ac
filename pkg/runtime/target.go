package runtime

import (
	"fmt"
	goruntime "runtime"
	"strings"

	"github.com/tetratelabs/wazero/api"
)

var archNames = map[string]string{
	"amd64":   "x86_64",
	"arm64":   "aarch64",
	"riscv64": "riscv64gc",
}

var osNames = map[string]string{
	"linux":   "unknown-linux-gnu",
	"darwin":  "apple-darwin",
	"windows": "pc-windows-msvc",
	"freebsd": "unknown-freebsd",
}

var coreFeatures = map[string]api.CoreFeatures{
	"mutable-global":      api.CoreFeatureMutableGlobal,
	"sign-extension":      api.CoreFeatureSignExtensionOps,
	"multi-value":         api.CoreFeatureMultiValue,
	"nontrapping-fptoint": api.CoreFeatureNonTrappingFloatToIntConversion,
	"bulk-memory":         api.CoreFeatureBulkMemoryOperations,
	"reference-types":     api.CoreFeatureReferenceTypes,
	"simd":                api.CoreFeatureSIMD,
}

// HostTarget returns the target triple of the running host
func HostTarget() string {
	arch, ok := archNames[goruntime.GOARCH]
	if !ok {
		arch = goruntime.GOARCH
	}
	osName, ok := osNames[goruntime.GOOS]
	if !ok {
		osName = "unknown-" + goruntime.GOOS
	}
	return arch + "-" + osName
}

// ValidateTarget accepts the host triple or an empty target. Code is
// generated for the running machine only, so cross targets are rejected.
func ValidateTarget(target string) error {
	if target == "" || target == HostTarget() {
		return nil
	}
	return fmt.Errorf("unsupported compile target %q: only the host target %q is supported", target, HostTarget())
}

// ParseCPUFeatures applies a comma separated feature list to the 2.0 core
// feature set. Each name may be prefixed with "+" (enable, the default) or
// "-" (disable).
func ParseCPUFeatures(spec string) (api.CoreFeatures, error) {
	features := api.CoreFeaturesV2
	for _, raw := range strings.Split(spec, ",") {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}

		enable := true
		switch name[0] {
		case '-':
			enable = false
			name = name[1:]
		case '+':
			name = name[1:]
		}

		feature, ok := coreFeatures[name]
		if !ok {
			return 0, fmt.Errorf("unknown cpu feature %q", name)
		}
		features = features.SetEnabled(feature, enable)
	}
	return features, nil
}
