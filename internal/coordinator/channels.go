package coordinator

import (
	"context"
	"fmt"

	"ubisys-bridge/internal/ncp"
	"ubisys-bridge/internal/zcl"
)

// AttributeResult holds a decoded attribute read result.
type AttributeResult struct {
	AttrID   uint16      `json:"attr_id"`
	AttrName string      `json:"attr_name"`
	TypeID   uint8       `json:"type_id"`
	TypeName string      `json:"type_name"`
	Value    interface{} `json:"value"`
	Status   uint8       `json:"status"`
	Error    string      `json:"error,omitempty"`
}

// EndpointNotFoundError reports that no endpoint on a device hosts the
// requested cluster, after checking stored descriptors and live probes.
type EndpointNotFoundError struct {
	IEEE      string
	ClusterID uint16
	Probed    []uint8
}

func (e *EndpointNotFoundError) Error() string {
	return fmt.Sprintf("device %s: no endpoint hosts cluster 0x%04X (probed %v)", e.IEEE, e.ClusterID, e.Probed)
}

// resolveShort maps an IEEE address to the device's current short address.
func (c *Coordinator) resolveShort(ieee string) (uint16, error) {
	dev, err := c.store.GetDevice(ieee)
	if err != nil {
		return 0, fmt.Errorf("device %s: %w", ieee, err)
	}
	return dev.ShortAddress, nil
}

// ReadAttributes reads attributes from a device endpoint/cluster by IEEE
// address. A non-zero manufacturer code sends manufacturer-specific frames.
// Decoded values are returned exactly as read; zero is a legitimate value.
func (c *Coordinator) ReadAttributes(ctx context.Context, ieee string, endpoint uint8, clusterID uint16, attrIDs []uint16, manufacturer uint16) ([]AttributeResult, error) {
	shortAddr, err := c.resolveShort(ieee)
	if err != nil {
		return nil, err
	}
	responses, err := c.ncp.ReadAttributes(ctx, ncp.ReadAttributesRequest{
		DstAddr:      shortAddr,
		DstEP:        endpoint,
		ClusterID:    clusterID,
		AttrIDs:      attrIDs,
		Manufacturer: manufacturer,
	})
	if err != nil {
		return nil, fmt.Errorf("read attributes: %w", err)
	}

	cluster := c.registry.Get(clusterID)
	var results []AttributeResult
	for _, r := range responses {
		result := AttributeResult{
			AttrID:   r.AttrID,
			Status:   r.Status,
			TypeID:   r.DataType,
			TypeName: zcl.TypeName(r.DataType),
		}
		if cluster != nil {
			if attr := cluster.FindAttribute(r.AttrID); attr != nil {
				result.AttrName = attr.Name
			}
		}
		if result.AttrName == "" {
			result.AttrName = fmt.Sprintf("0x%04X", r.AttrID)
		}
		if r.Status != 0 {
			result.Error = fmt.Sprintf("status 0x%02X", r.Status)
		} else if len(r.Value) > 0 {
			val, _, err := zcl.DecodeValue(r.DataType, r.Value)
			if err != nil {
				result.Error = err.Error()
			} else {
				result.Value = val
			}
		}
		results = append(results, result)
	}
	return results, nil
}

// WriteAttributes writes a batch of attribute records and returns the
// device's per-record response statuses.
func (c *Coordinator) WriteAttributes(ctx context.Context, ieee string, endpoint uint8, clusterID uint16, records []ncp.WriteRecord, manufacturer uint16) ([]ncp.WriteStatus, error) {
	shortAddr, err := c.resolveShort(ieee)
	if err != nil {
		return nil, err
	}
	statuses, err := c.ncp.WriteAttributes(ctx, ncp.WriteAttributesRequest{
		DstAddr:      shortAddr,
		DstEP:        endpoint,
		ClusterID:    clusterID,
		Records:      records,
		Manufacturer: manufacturer,
	})
	if err != nil {
		return nil, fmt.Errorf("write attributes: %w", err)
	}
	return statuses, nil
}

// SendCommand sends a cluster-specific command to a device by IEEE address.
func (c *Coordinator) SendCommand(ctx context.Context, ieee string, endpoint uint8, clusterID uint16, commandID uint8, payload []byte) error {
	shortAddr, err := c.resolveShort(ieee)
	if err != nil {
		return err
	}
	return c.ncp.SendCommand(ctx, ncp.ClusterCommandRequest{
		DstAddr:   shortAddr,
		DstEP:     endpoint,
		ClusterID: clusterID,
		CommandID: commandID,
		Payload:   payload,
	})
}

// ResolveEndpoint finds the endpoint hosting a cluster. Stored interview
// descriptors are checked first; if none match, endpoints 1 and 2 are
// probed live in order. The live probes also refresh the stored endpoint
// list for the next call.
func (c *Coordinator) ResolveEndpoint(ctx context.Context, ieee string, clusterID uint16) (uint8, error) {
	dev, err := c.store.GetDevice(ieee)
	if err != nil {
		return 0, fmt.Errorf("device %s: %w", ieee, err)
	}

	for _, ep := range dev.Endpoints {
		for _, cl := range ep.InClusters {
			if cl == clusterID {
				return ep.ID, nil
			}
		}
	}

	probed := make([]uint8, 0, 2)
	for _, ep := range []uint8{1, 2} {
		probed = append(probed, ep)
		sd, err := c.ncp.SimpleDescriptor(ctx, dev.ShortAddress, ep)
		if err != nil {
			c.logger.Debug("endpoint probe failed", "ieee", ieee, "ep", ep, "err", err)
			continue
		}
		c.devices.recordEndpoint(ieee, sd)
		for _, cl := range sd.InClusters {
			if cl == clusterID {
				return ep, nil
			}
		}
	}

	return 0, &EndpointNotFoundError{IEEE: ieee, ClusterID: clusterID, Probed: probed}
}
