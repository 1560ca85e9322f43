package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxBodyBytes = 1 << 20

// SchemaVersion is the envelope version this build speaks. Requests naming
// a version are accepted only for the current and the immediately previous
// release.
const (
	SchemaVersion         = "2.0.0"
	PreviousSchemaVersion = "1.9.0"
)

var supportedVersions = []*semver.Version{
	semver.MustParse(SchemaVersion),
	semver.MustParse(PreviousSchemaVersion),
}

// checkSchemaVersion enforces the version gate. An empty version passes
// unless required (pipeline-v2 routes require it).
func checkSchemaVersion(v string, required bool) error {
	if v == "" {
		if required {
			return missingField("schema_version")
		}
		return nil
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return failWithDetails(ReasonUnsupportedVersion, "unparseable schema_version", map[string]any{"schema_version": v})
	}
	for _, s := range supportedVersions {
		if parsed.Equal(s) {
			return nil
		}
	}
	return failWithDetails(ReasonUnsupportedVersion, "unsupported schema_version", map[string]any{
		"schema_version": v,
		"supported":      []string{SchemaVersion, PreviousSchemaVersion},
	})
}

// envelopeSchema validates the common mutation envelope before any typed
// decoding. It only pins the fields every route shares; route handlers do
// their own required-field checks.
var envelopeSchema = jsonschema.MustCompileString("envelope.json", `{
	"type": "object",
	"properties": {
		"schema_version": {"type": "string"},
		"idempotency_key": {"type": "string", "maxLength": 512},
		"correlation_id": {"type": "string", "maxLength": 256},
		"workspace_id": {"type": "string", "maxLength": 128}
	}
}`)

// envelope is the portion of every mutating body the router understands.
type envelope struct {
	SchemaVersion  string `json:"schema_version"`
	IdempotencyKey string `json:"idempotency_key"`
	CorrelationID  string `json:"correlation_id"`
	WorkspaceID    string `json:"workspace_id"`
}

// decodeBody reads, schema-validates and unmarshals the request body into
// out, returning the shared envelope fields.
func decodeBody(w http.ResponseWriter, r *http.Request, out any) (envelope, error) {
	var env envelope
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return env, err
	}
	if len(raw) == 0 {
		raw = []byte(`{}`)
	}

	var loose any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&loose); err != nil {
		return env, failWith(ReasonMissingRequiredField, "body is not valid JSON")
	}
	if err := envelopeSchema.Validate(loose); err != nil {
		return env, failWithDetails(ReasonMissingRequiredField, "body failed envelope validation", map[string]any{"cause": err.Error()})
	}

	if err := json.Unmarshal(raw, &env); err != nil {
		return env, failWith(ReasonMissingRequiredField, "body is not valid JSON")
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return env, failWith(ReasonMissingRequiredField, "body does not match the route contract")
		}
	}
	return env, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
