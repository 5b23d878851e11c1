package kernel

// ModuleManifest describes a loadable driver module's declared
// identity and required verification material (spec.md §6
// load_module). This kernel treats verification as opaque: it never
// inspects signature formats or key material itself, only asks a
// Verifier whether a given (manifest, image) pair is trustworthy. This
// is new supporting infrastructure, narrow by design and grounded only
// in the shape of spec.md's own operation signature.
type ModuleManifest struct {
	Name    string
	Version string
}

// Verifier checks whether image matches manifest's declared identity
// and satisfies the caller's trust policy.
type Verifier interface {
	Verify(manifest ModuleManifest, image []byte) error
}

// LoadedModule is the outcome of a successful load_module call.
type LoadedModule struct {
	Manifest ModuleManifest
}

// LoadModule verifies and loads a driver module image (spec.md §6
// load_module): ok on successful verification, a verification error
// otherwise. This kernel does not execute or link the image itself —
// device drivers are out of scope — it only performs and reports the
// verification step.
func LoadModule(v Verifier, manifest ModuleManifest, image []byte) (*LoadedModule, error) {
	if err := v.Verify(manifest, image); err != nil {
		return nil, newErr(KindVerificationFailed, "module verification failed", err)
	}
	return &LoadedModule{Manifest: manifest}, nil
}
