// Package options holds per-session runtime options and the rules for
// layering, validating and patching them.
package options

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// Mode is the session lifetime mode.
type Mode string

const (
	ModePersistent Mode = "persistent"
	ModeEphemeral  Mode = "ephemeral"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModePersistent, ModeEphemeral:
		return m, nil
	default:
		return "", fmt.Errorf("invalid mode %q: must be persistent or ephemeral", s)
	}
}

// Approval policies accepted as a permission profile.
const (
	ApproveAll   = "approve-all"
	ApproveReads = "approve-reads"
	DenyAll      = "deny-all"
)

// Options are the runtime options of a session. The zero value of a field
// means unset.
type Options struct {
	Mode              Mode              `json:"mode,omitempty" yaml:"mode,omitempty"`
	PermissionProfile string            `json:"permission_profile,omitempty" yaml:"permissionProfile,omitempty"`
	Model             string            `json:"model,omitempty" yaml:"model,omitempty"`
	Cwd               string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	TimeoutSeconds    int               `json:"timeout_seconds,omitempty" yaml:"timeoutSeconds,omitempty"`
	Extra             map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// IsZero reports whether no field is set.
func (o Options) IsZero() bool {
	return o.Mode == "" && o.PermissionProfile == "" && o.Model == "" &&
		o.Cwd == "" && o.TimeoutSeconds == 0 && len(o.Extra) == 0
}

// Clone returns a deep copy.
func (o Options) Clone() Options {
	o.Extra = maps.Clone(o.Extra)
	return o
}

// Normalize trims text fields, drops non-positive timeouts and empty extra
// entries, and cleans cwd.
func (o Options) Normalize() Options {
	out := Options{
		Mode:              Mode(strings.ToLower(strings.TrimSpace(string(o.Mode)))),
		PermissionProfile: strings.ToLower(strings.TrimSpace(o.PermissionProfile)),
		Model:             strings.TrimSpace(o.Model),
		Cwd:               strings.TrimSpace(o.Cwd),
	}
	if out.Cwd != "" {
		out.Cwd = filepath.Clean(out.Cwd)
	}
	if o.TimeoutSeconds > 0 {
		out.TimeoutSeconds = o.TimeoutSeconds
	}
	for k, v := range o.Extra {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		if out.Extra == nil {
			out.Extra = make(map[string]string)
		}
		out.Extra[k] = v
	}
	return out
}

// Merge layers options from lowest to highest precedence. Each set field of
// a later layer overrides the same field of earlier layers; unset fields
// never clear a sibling. Extra merges per key.
func Merge(layers ...Options) Options {
	var out Options
	for _, l := range layers {
		l = l.Normalize()
		if l.Mode != "" {
			out.Mode = l.Mode
		}
		if l.PermissionProfile != "" {
			out.PermissionProfile = l.PermissionProfile
		}
		if l.Model != "" {
			out.Model = l.Model
		}
		if l.Cwd != "" {
			out.Cwd = l.Cwd
		}
		if l.TimeoutSeconds > 0 {
			out.TimeoutSeconds = l.TimeoutSeconds
		}
		for k, v := range l.Extra {
			if out.Extra == nil {
				out.Extra = make(map[string]string)
			}
			out.Extra[k] = v
		}
	}
	return out
}

// Validate checks every set field. It does not create directories.
func (o Options) Validate() error {
	var errs []error
	if o.Mode != "" {
		if _, err := ParseMode(string(o.Mode)); err != nil {
			errs = append(errs, err)
		}
	}
	if o.PermissionProfile != "" {
		if err := ValidatePermissionProfile(o.PermissionProfile); err != nil {
			errs = append(errs, err)
		}
	}
	if o.Cwd != "" {
		if err := ValidateCwd(o.Cwd); err != nil {
			errs = append(errs, err)
		}
	}
	if o.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid timeout %d: must be a positive integer", o.TimeoutSeconds))
	}
	return errors.Join(errs...)
}

// ValidatePermissionProfile checks an approval policy name.
func ValidatePermissionProfile(p string) error {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case ApproveAll, ApproveReads, DenyAll:
		return nil
	default:
		return fmt.Errorf("invalid approval policy %q: must be one of %s, %s, %s", p, ApproveAll, ApproveReads, DenyAll)
	}
}

// ValidateCwd checks that dir is absolute and either exists as a directory
// or could be created: its nearest existing ancestor is a directory.
func ValidateCwd(dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return fmt.Errorf("invalid cwd: must not be empty")
	}
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("invalid cwd %q: must be an absolute path", dir)
	}
	p := filepath.Clean(dir)
	for {
		info, err := os.Stat(p)
		if err == nil {
			if !info.IsDir() {
				return fmt.Errorf("invalid cwd %q: %s is not a directory", dir, p)
			}
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("invalid cwd %q: %w", dir, err)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return fmt.Errorf("invalid cwd %q: no existing ancestor", dir)
		}
		p = parent
	}
}

// PatchFromConfigOption maps a generic key/value control onto an options
// patch. Known keys are validated; anything else lands in Extra.
func PatchFromConfigOption(key, value string) (Options, error) {
	k := strings.ToLower(strings.TrimSpace(key))
	v := strings.TrimSpace(value)
	if k == "" {
		return Options{}, fmt.Errorf("config option key must not be empty")
	}

	switch k {
	case "model":
		if v == "" {
			return Options{}, fmt.Errorf("invalid model: must not be empty")
		}
		return Options{Model: v}, nil
	case "approval_policy", "permission_profile", "permissions":
		if err := ValidatePermissionProfile(v); err != nil {
			return Options{}, err
		}
		return Options{PermissionProfile: strings.ToLower(v)}, nil
	case "timeout", "timeout_seconds":
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Options{}, fmt.Errorf("invalid timeout %q: must be a positive integer", value)
		}
		return Options{TimeoutSeconds: n}, nil
	case "cwd":
		if err := ValidateCwd(v); err != nil {
			return Options{}, err
		}
		return Options{Cwd: filepath.Clean(v)}, nil
	case "mode", "runtime_mode":
		m, err := ParseMode(v)
		if err != nil {
			return Options{}, err
		}
		return Options{Mode: m}, nil
	default:
		if v == "" {
			return Options{}, fmt.Errorf("invalid value for %q: must not be empty", key)
		}
		return Options{Extra: map[string]string{strings.TrimSpace(key): v}}, nil
	}
}

// Pair is one backend config option.
type Pair struct {
	Key   string
	Value string
}

// ConfigPairs lists the options a backend should receive as config
// options, in a stable order. Extra never shadows a named option.
func (o Options) ConfigPairs() []Pair {
	o = o.Normalize()
	var pairs []Pair
	seen := make(map[string]bool)
	add := func(k, v string) {
		if v == "" || seen[k] {
			return
		}
		seen[k] = true
		pairs = append(pairs, Pair{Key: k, Value: v})
	}
	add("model", o.Model)
	add("approval_policy", o.PermissionProfile)
	if o.TimeoutSeconds > 0 {
		add("timeout", strconv.Itoa(o.TimeoutSeconds))
	}
	for _, k := range slices.Sorted(maps.Keys(o.Extra)) {
		add(k, o.Extra[k])
	}
	return pairs
}

// Signature is a stable digest of the options a backend session is
// controlled with. Cwd is excluded since a cwd change re-ensures the
// session instead.
func (o Options) Signature() string {
	o = o.Normalize()
	type extra struct {
		K string `json:"k"`
		V string `json:"v"`
	}
	sig := struct {
		Mode    Mode    `json:"mode"`
		Model   string  `json:"model"`
		Profile string  `json:"profile"`
		Timeout int     `json:"timeout"`
		Extra   []extra `json:"extra"`
	}{Mode: o.Mode, Model: o.Model, Profile: o.PermissionProfile, Timeout: o.TimeoutSeconds}
	for _, k := range slices.Sorted(maps.Keys(o.Extra)) {
		sig.Extra = append(sig.Extra, extra{K: k, V: o.Extra[k]})
	}
	data, _ := json.Marshal(sig)
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// Summary renders the options for humans, e.g.
// "mode=persistent, model=gpt-5, approval_policy=approve-reads".
func (o Options) Summary() string {
	o = o.Normalize()
	var parts []string
	if o.Mode != "" {
		parts = append(parts, "mode="+string(o.Mode))
	}
	if o.Model != "" {
		parts = append(parts, "model="+o.Model)
	}
	if o.PermissionProfile != "" {
		parts = append(parts, "approval_policy="+o.PermissionProfile)
	}
	if o.Cwd != "" {
		parts = append(parts, "cwd="+o.Cwd)
	}
	if o.TimeoutSeconds > 0 {
		parts = append(parts, "timeout="+strconv.Itoa(o.TimeoutSeconds)+"s")
	}
	for _, k := range slices.Sorted(maps.Keys(o.Extra)) {
		parts = append(parts, k+"="+o.Extra[k])
	}
	if len(parts) == 0 {
		return "defaults"
	}
	return strings.Join(parts, ", ")
}
