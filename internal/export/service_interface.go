package export

import "context"

// ExportServiceInterface defines the contract for export services.
type ExportServiceInterface interface {
	// Export archives the current snapshot with the given configuration.
	Export(ctx context.Context, config *ExportConfig) (*ExportResult, error)
}

// Ensure *ExportService implements the interface at compile time.
var _ ExportServiceInterface = (*ExportService)(nil)
