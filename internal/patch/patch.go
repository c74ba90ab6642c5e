// Package patch implements RFC 6902 JSON-patch validation, reversible
// application, and diff generation. Apply always returns a revert patch
// alongside the patched document so callers that keep a revision log
// (MediaStore, ProjectStore) can append it without computing the
// inverse themselves.
package patch

import (
	"encoding/json"
	"strings"

	"github.com/cuemby/netstore/internal/errs"
	"github.com/cuemby/netstore/pkg/types"
	jsonpatch "github.com/evanphx/json-patch/v5"
	gojsonpatch "github.com/mattbaird/jsonpatch"
)

// Info is the envelope a patch request arrives in; every field is
// required by Validate.
type Info struct {
	App        string
	AppVersion string
	ID         string
	Patch      types.JSONPatch
}

// Validate fails with errs.InvalidPatch when any required field of info
// is missing, when info.Patch is not well-formed RFC 6902 JSON, or when
// any operation touches a path in guardedPaths (an exact path, or a path
// nested below it).
func Validate(info Info, guardedPaths ...string) error {
	if info.App == "" {
		return errs.InvalidPatchf("patch: missing app")
	}
	if info.AppVersion == "" {
		return errs.InvalidPatchf("patch: missing appVersion")
	}
	if info.ID == "" {
		return errs.InvalidPatchf("patch: missing id")
	}
	if len(info.Patch) == 0 {
		return errs.InvalidPatchf("patch: missing patch")
	}

	ops, err := jsonpatch.DecodePatch(info.Patch)
	if err != nil {
		return errs.Wrap(errs.InvalidPatch, err, "patch: malformed patch document")
	}

	for _, op := range ops {
		path, err := op.Path()
		if err != nil {
			return errs.Wrap(errs.InvalidPatch, err, "patch: operation missing path")
		}
		if pathGuarded(path, guardedPaths) {
			return errs.InvalidPatchf("patch: path %q is guarded and may not be patched", path)
		}
	}
	return nil
}

func pathGuarded(path string, guarded []string) bool {
	for _, g := range guarded {
		if path == g || strings.HasPrefix(path, g+"/") {
			return true
		}
	}
	return false
}

// Apply applies patch to doc and returns the patched document plus a
// revert patch such that Apply(newDoc, revert) reproduces doc.
func Apply(doc []byte, patchDoc types.JSONPatch) (newDoc []byte, revert types.JSONPatch, err error) {
	ops, err := jsonpatch.DecodePatch(patchDoc)
	if err != nil {
		return nil, nil, errs.Wrap(errs.InvalidPatch, err, "patch: malformed patch document")
	}
	newDoc, err = ops.Apply(doc)
	if err != nil {
		return nil, nil, errs.Wrap(errs.InvalidPatch, err, "patch: apply failed")
	}
	revertOps, err := Diff(newDoc, doc)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Internal, err, "patch: compute revert")
	}
	return newDoc, revertOps, nil
}

// Diff computes a JSON patch that transforms a into b.
func Diff(a, b []byte) (types.JSONPatch, error) {
	var aVal, bVal any
	if err := json.Unmarshal(a, &aVal); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "patch: diff: unmarshal source")
	}
	if err := json.Unmarshal(b, &bVal); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "patch: diff: unmarshal target")
	}

	ops, err := gojsonpatch.CreatePatch(a, b)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "patch: diff: create patch")
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "patch: diff: marshal patch")
	}
	return raw, nil
}
