package patch

import (
	"encoding/json"
	"testing"

	"github.com/cuemby/netstore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRequiresFields(t *testing.T) {
	_, err := Apply([]byte(`{}`), nil)
	assert.Error(t, err)

	err = Validate(Info{})
	require.Error(t, err)
}

func TestValidateRejectsGuardedPath(t *testing.T) {
	info := Info{
		App:        "netstore",
		AppVersion: "1",
		ID:         "p1",
		Patch:      types.JSONPatch(`[{"op":"replace","path":"/key","value":"x"}]`),
	}
	err := Validate(info, "/key", "/kind")
	require.Error(t, err)
}

func TestValidateAcceptsUnguardedPath(t *testing.T) {
	info := Info{
		App:        "netstore",
		AppVersion: "1",
		ID:         "p1",
		Patch:      types.JSONPatch(`[{"op":"replace","path":"/info/name","value":"New"}]`),
	}
	require.NoError(t, Validate(info, "/key", "/kind"))
}

func TestApplyRoundTripsViaRevert(t *testing.T) {
	doc := []byte(`{"info":{"name":"p1"},"count":1}`)
	patchDoc := types.JSONPatch(`[{"op":"replace","path":"/info/name","value":"New"}]`)

	newDoc, revert, err := Apply(doc, patchDoc)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(newDoc, &got))
	assert.Equal(t, "New", got["info"].(map[string]any)["name"])

	restored, _, err := Apply(newDoc, revert)
	require.NoError(t, err)

	var gotOrig, wantOrig map[string]any
	require.NoError(t, json.Unmarshal(restored, &gotOrig))
	require.NoError(t, json.Unmarshal(doc, &wantOrig))
	assert.Equal(t, wantOrig, gotOrig)
}

func TestDiffProducesApplicablePatch(t *testing.T) {
	a := []byte(`{"name":"a","count":1}`)
	b := []byte(`{"name":"b","count":1}`)

	d, err := Diff(a, b)
	require.NoError(t, err)

	got, _, err := Apply(a, d)
	require.NoError(t, err)

	var gotVal, wantVal map[string]any
	require.NoError(t, json.Unmarshal(got, &gotVal))
	require.NoError(t, json.Unmarshal(b, &wantVal))
	assert.Equal(t, wantVal, gotVal)
}
