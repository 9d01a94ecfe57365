package bootstrap

import (
	"github.com/eleven-am/call-relay/internal/callstore"
	"github.com/eleven-am/call-relay/internal/presence"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvidePresenceStore(redisClient *redis.Client) *presence.Store {
	return presence.NewStore(redisClient)
}

func ProvideCallStore(db *gorm.DB) *callstore.Store {
	return callstore.NewStore(db)
}

func RunMigrations(callStore *callstore.Store) error {
	return callStore.Migrate()
}

var StoresModule = fx.Options(
	fx.Provide(
		ProvidePresenceStore,
		ProvideCallStore,
	),
	fx.Invoke(RunMigrations),
)
