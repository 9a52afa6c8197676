package types

// ProbeRequest asks the server to classify a single artifact.
type ProbeRequest struct {
	// Absolute path of a file or bundle directory on the server host.
	// example: /models/sd/v1-5-pruned-emaonly.safetensors
	Path string `json:"path" example:"/models/sd/v1-5-pruned-emaonly.safetensors"`
}

// SearchRequest asks the server to walk one or more roots.
type SearchRequest struct {
	// Directories (or files) to scan.
	// example: ["/models"]
	Roots []string `json:"roots" example:"[\"/models\"]"`
	// Glob patterns a candidate must match (basename or root-relative path). Empty means all.
	// example: ["*.safetensors"]
	Include []string `json:"include,omitempty" example:"[\"*.safetensors\"]"`
	// Glob patterns that skip files and prune directories.
	// example: [".cache","*.tmp"]
	Exclude []string `json:"exclude,omitempty" example:"[\".cache\",\"*.tmp\"]"`
	// Candidate file extensions; empty uses the server default list.
	// example: [".safetensors",".gguf"]
	Extensions []string `json:"extensions,omitempty" example:"[\".safetensors\",\".gguf\"]"`
	// Follow symbolic links to directories and files.
	// example: false
	FollowSymlinks bool `json:"follow_symlinks,omitempty" example:"false"`
	// Maximum directory depth below each root; 0 means unlimited.
	// example: 4
	MaxDepth int `json:"max_depth,omitempty" example:"4"`
}

// SearchItemResponse is one NDJSON line of a /search stream.
type SearchItemResponse struct {
	// Path of the candidate artifact.
	// example: /models/sd/v1-5-pruned-emaonly.safetensors
	Path string `json:"path" example:"/models/sd/v1-5-pruned-emaonly.safetensors"`
	// Configuration record on success.
	Config AnyModelConfig `json:"config,omitempty" swaggertype:"object"`
	// Error message on failure.
	Error string `json:"error,omitempty"`
	// Error kind: unrecognized_format, classification, invalid_config, duplicate, io.
	// example: duplicate
	ErrorKind string `json:"error_kind,omitempty" example:"duplicate"`
}

// ModelsResponse wraps the list of catalogued models returned by GET /models.
type ModelsResponse struct {
	Models []AnyModelConfig `json:"models" swaggertype:"array,object"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// Error kind when the failure is a classification outcome.
	// example: unrecognized_format
	Kind string `json:"kind,omitempty" example:"unrecognized_format"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}
