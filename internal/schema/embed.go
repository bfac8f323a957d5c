package schema

// Options covers the keys the service documents. Unknown keys pass through
// so model-specific options keep working.
var Options = MustCompile("options.json", []byte(`{
  "type": "object",
  "properties": {
    "dimensions": { "type": "integer", "minimum": 1 },
    "normalize_l2": { "type": "boolean" },
    "normalize_mean": { "type": "boolean" },
    "normalize_variance": { "type": "boolean" }
  }
}`))

// Embeddings is the shape of a successful embed response.
var Embeddings = MustCompile("embeddings.json", []byte(`{
  "type": "object",
  "required": ["embeddings"],
  "properties": {
    "embeddings": {
      "type": "array",
      "items": {
        "type": "array",
        "items": { "type": "number" }
      }
    }
  }
}`))
