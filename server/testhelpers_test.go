package server

import (
	"context"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/turnstile/config"
	"github.com/GoCodeAlone/turnstile/engine"
	"github.com/GoCodeAlone/turnstile/provider/mock"
)

const testSecret = "test-secret-key-1234567890"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.Server.Addr = ":0"
	cfg.Engine.LeaseSecret = "lease-secret"
	cfg.Auth = config.AuthConfig{
		AdminUser: "admin",
		AdminPass: string(hash),
		JWTSecret: testSecret,
	}
	eng, err := engine.New(cfg, engine.WithDecider(mock.NewDecider(mock.Echo())))
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { eng.Stop(context.Background()) }) //nolint:errcheck
	return New(*cfg, eng, "test", nil)
}
