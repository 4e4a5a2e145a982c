package order

import (
	"context"

	"lumora-core/services/chat"
)

// ChannelGate exposes orders to the negotiation channel. The channel is open
// only while money sits in escrow; before payment there is nothing to
// negotiate and after a terminal transition the record is read-only.
type ChannelGate struct {
	machine *Machine
}

func NewChannelGate(m *Machine) chat.OrderGate {
	return &ChannelGate{machine: m}
}

func (g *ChannelGate) Channel(ctx context.Context, orderID string) (chat.ChannelInfo, error) {
	o, err := g.machine.Get(ctx, orderID)
	if err != nil {
		return chat.ChannelInfo{}, err
	}

	open := false
	switch o.Status {
	case StatusPaid, StatusInProgress, StatusDelivered:
		open = true
	}

	return chat.ChannelInfo{
		AuthorID: o.AuthorID,
		ClientID: o.ClientID,
		Open:     open,
	}, nil
}
