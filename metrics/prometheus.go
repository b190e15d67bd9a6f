package metrics

import "github.com/docker/go-metrics"

const (
	// NamespacePrefix is the namespace of prometheus metrics
	NamespacePrefix = "filetracker"
)

var (
	// StorageNamespace is the prometheus namespace of blob and link store
	// operations
	StorageNamespace = metrics.NewNamespace(NamespacePrefix, "storage", nil)

	// HTTPNamespace is the prometheus namespace of request handling
	HTTPNamespace = metrics.NewNamespace(NamespacePrefix, "http", nil)

	// FallbackNamespace is the prometheus namespace of read-through fallback
	// operations
	FallbackNamespace = metrics.NewNamespace(NamespacePrefix, "fallback", nil)
)

func init() {
	metrics.Register(StorageNamespace)
	metrics.Register(HTTPNamespace)
	metrics.Register(FallbackNamespace)
}
