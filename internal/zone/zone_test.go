package zone

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateDenyWinsOverAllow(t *testing.T) {
	cfg, err := NewConfig([]string{"src/ui/**"}, []string{"**/.env"})
	require.NoError(t, err)

	require.Equal(t, Deny, cfg.Evaluate("src/ui/.env"), "deny must win even when an allow glob also matches")
}

func TestEvaluateAllowMatch(t *testing.T) {
	cfg, err := NewConfig([]string{"src/ui/**"}, []string{"**/.env"})
	require.NoError(t, err)

	require.Equal(t, Allow, cfg.Evaluate("src/ui/button.tsx"))
}

func TestEvaluateDefaultDeny(t *testing.T) {
	cfg, err := NewConfig([]string{"src/ui/**"}, nil)
	require.NoError(t, err)

	require.Equal(t, Deny, cfg.Evaluate("core/auth.rs"))
}

func TestEvaluateQuestionMark(t *testing.T) {
	cfg, err := NewConfig([]string{"log?.txt"}, nil)
	require.NoError(t, err)

	require.Equal(t, Allow, cfg.Evaluate("log1.txt"))
	require.Equal(t, Deny, cfg.Evaluate("log12.txt"))
}

func TestEvaluateSingleStarNoSlash(t *testing.T) {
	cfg, err := NewConfig([]string{"src/*.go"}, nil)
	require.NoError(t, err)

	require.Equal(t, Allow, cfg.Evaluate("src/main.go"))
	require.Equal(t, Deny, cfg.Evaluate("src/pkg/main.go"))
}

func TestNewConfigRejectsBackreference(t *testing.T) {
	_, err := NewConfig([]string{`(\w+)\1`}, nil)
	require.Error(t, err)
	var invalid *ErrInvalidPattern
	require.ErrorAs(t, err, &invalid)
}

func TestNewConfigRejectsEmptyPattern(t *testing.T) {
	_, err := NewConfig([]string{""}, nil)
	require.Error(t, err)
}
