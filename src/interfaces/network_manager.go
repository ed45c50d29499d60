package interfaces

import "context"

// -----------------------------------------------------------------------------
// IRestClient defines the contract for vendor HTTP requests with retry logic.
// -----------------------------------------------------------------------------

type IRestClient interface {

	// GetJSON performs a GET request and decodes the JSON body into out.
	GetJSON(ctx context.Context, path string, params map[string]string, out any) error
}
