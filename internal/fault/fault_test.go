package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("connection reset")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"not found", NotFound("alias %s", "SN1"), KindNotFound},
		{"invalid", Invalid("start after end"), KindInvalid},
		{"indeterminate", Indeterminate("%d readings", 1), KindIndeterminate},
		{"upstream", Upstream("get alias", cause), KindUpstream},
		{"wrapped upstream", fmt.Errorf("resolve: %w", Upstream("get alias", cause)), KindUpstream},
		{"partial wins over upstream", fmt.Errorf("%w: %w", ErrPartialFailure, Upstream("delete", cause)), KindPartial},
		{"unclassified", cause, KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestUpstreamKeepsCause(t *testing.T) {
	cause := errors.New("throttled")
	err := Upstream("query locations", cause)

	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "query locations: throttled", err.Error())
}

func TestConstructorsFormat(t *testing.T) {
	assert.Equal(t, "journey 42: not found", NotFound("journey %d", 42).Error())
	assert.Equal(t, "bad key: invalid argument", Invalid("bad key").Error())
}
