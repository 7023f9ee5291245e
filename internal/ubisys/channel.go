package ubisys

import (
	"context"

	"ubisys-bridge/internal/coordinator"
	"ubisys-bridge/internal/ncp"
)

// Channel is the device-access contract the engine consumes. It is
// satisfied by *coordinator.Coordinator; tests substitute fakes.
type Channel interface {
	ReadAttributes(ctx context.Context, ieee string, endpoint uint8, clusterID uint16, attrIDs []uint16, manufacturer uint16) ([]coordinator.AttributeResult, error)
	WriteAttributes(ctx context.Context, ieee string, endpoint uint8, clusterID uint16, records []ncp.WriteRecord, manufacturer uint16) ([]ncp.WriteStatus, error)
	SendCommand(ctx context.Context, ieee string, endpoint uint8, clusterID uint16, commandID uint8, payload []byte) error
	ResolveEndpoint(ctx context.Context, ieee string, clusterID uint16) (uint8, error)
}
