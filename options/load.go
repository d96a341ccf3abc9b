package options

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Configuration keys. Each is also read from the environment as
// CPPJIT_<KEY> with dashes replaced by underscores.
const (
	KeySDK           = "sdk"
	KeyResourceDir   = "resource-dir"
	KeyOptLevel      = "opt"
	KeyStd           = "std"
	KeyTriple        = "triple"
	KeyCPU           = "cpu"
	KeyInclude       = "include"
	KeySystemInclude = "system-include"
	KeyDefine        = "define"
	KeySanitize      = "sanitize"
	KeyFastMath      = "fast-math"
	KeyDebugInfo     = "debug-info"
	KeyCacheDir      = "cache-dir"
	KeyNoCache       = "no-cache"
	KeyEntryPrefix   = "entry-prefix"
)

// NewViper returns a viper instance bound to the CPPJIT_ environment prefix.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CPPJIT")
	v.AutomaticEnv()
	// This normalizes "-" to an underscore in env names.
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	return v
}

// Load builds Options from v on top of the host defaults and the detected
// installation layout.
func Load(v *viper.Viper) (*Options, error) {
	o := Default()

	o.SDKRoot = v.GetString(KeySDK)
	if o.SDKRoot == "" {
		o.SDKRoot = LocateSDK()
	}
	o.ResourceDir = v.GetString(KeyResourceDir)
	if o.ResourceDir == "" {
		o.ResourceDir = FindResourceDir(o.SDKRoot)
	}
	o.SystemIncludeDirs = v.GetStringSlice(KeySystemInclude)
	if len(o.SystemIncludeDirs) == 0 {
		o.SystemIncludeDirs = SystemIncludes(o.SDKRoot)
	}
	o.IncludeDirs = v.GetStringSlice(KeyInclude)

	if s := v.GetString(KeyOptLevel); s != "" {
		o.OptLevel = strings.TrimPrefix(s, "-O")
	}
	if s := v.GetString(KeyStd); s != "" {
		o.Std = strings.TrimPrefix(s, "-std=")
	}
	if s := v.GetString(KeyTriple); s != "" {
		o.Triple = s
	}
	if v.IsSet(KeyCPU) {
		o.CPU = v.GetString(KeyCPU)
	}
	for _, def := range v.GetStringSlice(KeyDefine) {
		name, value, _ := strings.Cut(strings.TrimPrefix(def, "-D"), "=")
		o.Defines[name] = value
	}
	o.Sanitizers = v.GetStringSlice(KeySanitize)
	o.FastMath = v.GetBool(KeyFastMath)
	o.DebugInfo = v.GetBool(KeyDebugInfo)

	o.CacheDir = v.GetString(KeyCacheDir)
	if o.CacheDir == "" {
		o.CacheDir = DefaultCacheDir()
	}
	o.DisableCache = v.GetBool(KeyNoCache)
	if s := v.GetString(KeyEntryPrefix); s != "" {
		o.EntryPrefix = s
	}

	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("load compiler options: %w", err)
	}
	return o, nil
}
