package server

import (
	"context"
	"fmt"

	"github.com/fkupper/culprit/pkg/bisect"
)

type ServerType int

const (
	HTTP ServerType = iota
)

// A Snapshot yields a consistent copy of the session under search.
type Snapshot func() bisect.Session

type Server interface {
	Init(ctx context.Context, port int, snapshot Snapshot) error
}

// NewServer starts a read-only progress server of the passed type. It serves until
// the context is canceled.
func NewServer(serverType ServerType, ctx context.Context, port int, snapshot Snapshot) (Server, error) {
	switch serverType {
	case HTTP:
		server := &httpServer{}
		return server, server.Init(ctx, port, snapshot)
	}
	return nil, fmt.Errorf("%d is not a valid server type", serverType)
}
