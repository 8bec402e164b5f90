package referral

import (
	"github.com/smallbiznis/fanout/internal/referral/repository"
	"github.com/smallbiznis/fanout/internal/referral/resolver"
	"go.uber.org/fx"
)

var Module = fx.Module("referral.resolver",
	fx.Provide(repository.Provide),
	fx.Provide(resolver.NewResolver),
)
