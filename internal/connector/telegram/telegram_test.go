package telegram

import (
	"github.com/opsdesk-io/opsdesk/internal/connector"
)

// Verify Connector implements connector.Connector at compile time.
var _ connector.Connector = (*Connector)(nil)
