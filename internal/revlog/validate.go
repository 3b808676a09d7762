package revlog

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateConversationID enforces the URL-safe, 1..128 byte id shape from
// SPEC_FULL.md §3.
func ValidateConversationID(id string) error {
	if !conversationIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid conversation id", ErrInvalidInput)
	}
	return nil
}

const blobSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object"
}`

// blobSchema is compiled once at process startup and reused for every PUT
// body: the server only requires that the blob is a JSON object, not an
// array or scalar. Anything more specific belongs to the conversation
// layer, not the sync engine.
var blobSchema = compileBlobSchema()

func compileBlobSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("blob.json", mustUnmarshalSchema(blobSchemaJSON)); err != nil {
		panic(fmt.Sprintf("revlog: invalid embedded blob schema: %v", err))
	}
	schema, err := compiler.Compile("blob.json")
	if err != nil {
		panic(fmt.Sprintf("revlog: failed to compile blob schema: %v", err))
	}
	return schema
}

func mustUnmarshalSchema(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		panic(err)
	}
	return v
}

// ValidateBlob checks that raw is a JSON object matching blobSchema and,
// if it carries a top-level "id" field, that it equals conversationID.
func ValidateBlob(raw json.RawMessage, conversationID string) error {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("%w: malformed json body", ErrInvalidInput)
	}
	if err := blobSchema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: body must be a json object", ErrInvalidInput)
	}
	if rawID, present := obj["id"]; present {
		idStr, ok := rawID.(string)
		if !ok || idStr != conversationID {
			return fmt.Errorf("%w: blob id does not match conversation id", ErrInvalidInput)
		}
	}
	return nil
}
