package backend

import (
	"context"
	"path/filepath"
	"strings"

	"lemond/internal/common/fsutil"
	"lemond/internal/install"
	"lemond/pkg/types"
)

// Describe reports, without side effects, what is installed for a family
// and what the manifest currently requires.
func Describe(name string, env Env) (types.BackendStatus, bool) {
	f, ok := families[name]
	if !ok {
		return types.BackendStatus{}, false
	}
	env = env.withDefaults()
	d := f.desc
	out := types.BackendStatus{Name: d.Name, DefaultVariant: d.DefaultVariant}
	if d.OverrideEnv != "" {
		if p := strings.TrimSpace(env.Getenv(d.OverrideEnv)); p != "" && fsutil.IsRegularFile(p) {
			out.Override = p
		}
	}
	s := newServer(f, env)
	for _, v := range d.Variants {
		vs := types.VariantStatus{Variant: v}
		version, err := s.requiredVersion(v)
		if err == nil {
			vs.RequiredVersion = version
			if _, aerr := d.Asset(version, v, env.GOOS, env.GOARCH); aerr != nil {
				vs.Unavailable = aerr.Error()
			}
		} else {
			vs.Unavailable = err.Error()
		}
		st, exe, upToDate := install.Status(install.Request{
			Dir:          filepath.Join(env.BinRoot, d.Name, v),
			Version:      version,
			Variant:      v,
			MultiVariant: d.MultiVariant(),
			Candidates:   d.Candidates(),
		})
		vs.InstalledVersion = st.Version
		vs.Executable = exe
		vs.UpToDate = upToDate && version != ""
		out.Variants = append(out.Variants, vs)
	}
	return out, true
}

// Install reconciles one family's engine build outside of any load and
// reports what ended up on disk.
func Install(ctx context.Context, name, variant string, env Env) (types.InstallResponse, error) {
	f, ok := families[name]
	if !ok {
		return types.InstallResponse{}, &ConfigError{Backend: name, Msg: "unknown backend"}
	}
	env = env.withDefaults()
	v, err := f.desc.ResolveVariant(variant)
	if err != nil {
		return types.InstallResponse{}, err
	}
	s := newServer(f, env)
	exe, err := s.Install(ctx, v)
	if err != nil {
		return types.InstallResponse{}, err
	}
	out := types.InstallResponse{Backend: name, Variant: v, Executable: exe}
	if version, verr := s.requiredVersion(v); verr == nil {
		out.Version = version
	}
	return out, nil
}
