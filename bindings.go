package workerdev

// KVNamespace binds a KV namespace to a global or env name.
type KVNamespace struct {
	Binding string `json:"binding"`
	ID      string `json:"id,omitempty"`
}

// R2Bucket binds an object storage bucket.
type R2Bucket struct {
	Binding    string `json:"binding"`
	BucketName string `json:"bucketName,omitempty"`
}

// DurableObjectBinding binds a Durable Object class.
type DurableObjectBinding struct {
	Name       string `json:"name"`
	ClassName  string `json:"className"`
	ScriptName string `json:"scriptName,omitempty"`
}

// ServiceBinding points at another worker. The local host cannot emulate it.
type ServiceBinding struct {
	Binding     string `json:"binding"`
	Service     string `json:"service"`
	Environment string `json:"environment,omitempty"`
}

// BindingsConfig is every resource binding configured for the worker.
// The dev loop only reads it.
type BindingsConfig struct {
	Vars           map[string]any
	KVNamespaces   []KVNamespace
	R2Buckets      []R2Bucket
	DurableObjects []DurableObjectBinding
	Services       []ServiceBinding

	// Blob bindings map a global name to a file path, usually relative to
	// the directory the dev command was started from.
	WasmModules map[string]string
	TextBlobs   map[string]string
	DataBlobs   map[string]string
}

// validateLocalCapabilities rejects bindings the local host cannot serve.
func validateLocalCapabilities(b BindingsConfig) error {
	if len(b.Services) > 0 {
		names := make([]string, 0, len(b.Services))
		for _, s := range b.Services {
			names = append(names, s.Binding)
		}
		return &ValidationError{Capability: "service bindings", Names: names}
	}
	return nil
}
