package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxAgentID ctxKey = iota
	ctxEmail
)

func WithIdentity(ctx context.Context, agentID, email string) context.Context {
	ctx = context.WithValue(ctx, ctxAgentID, agentID)
	ctx = context.WithValue(ctx, ctxEmail, email)
	return ctx
}

func AgentID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxAgentID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("agent_id not in context")
}

func Email(ctx context.Context) (string, error) {
	v := ctx.Value(ctxEmail)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("email not in context")
}
