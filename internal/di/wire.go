//go:build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/app"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/config"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/service"
)

func InitializeApp(ctx context.Context, cfg *config.Config) (*app.App, func(), error) {
	wire.Build(InfraSet, ServiceSet, TransportSet)
	return nil, nil, nil
}

func InitializeSweeper(ctx context.Context, cfg *config.Config) (*service.ExpirationSweeper, func(), error) {
	wire.Build(InfraSet, ServiceSet)
	return nil, nil, nil
}
