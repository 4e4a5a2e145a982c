package order

import (
	"go.uber.org/fx"
)

var Module = fx.Module("order.service",
	fx.Provide(NewMachine),
	fx.Provide(NewChannelGate),
	fx.Provide(NewService),
)
