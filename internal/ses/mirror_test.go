package ses

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailflow/internal/domain"
)

type fakeSES struct {
	calls []*sesv2.PutSuppressedDestinationInput
	err   error
}

func (f *fakeSES) PutSuppressedDestination(_ context.Context, in *sesv2.PutSuppressedDestinationInput, _ ...func(*sesv2.Options)) (*sesv2.PutSuppressedDestinationOutput, error) {
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.PutSuppressedDestinationOutput{}, nil
}

func TestMirror_Reasons(t *testing.T) {
	tests := []struct {
		origin domain.SuppressionOrigin
		want   types.SuppressionListReason
		sent   bool
	}{
		{domain.OriginBounce, types.SuppressionListReasonBounce, true},
		{domain.OriginFeedbackLoop, types.SuppressionListReasonComplaint, true},
		{domain.OriginAbuse, types.SuppressionListReasonComplaint, true},
		{domain.OriginWeb, "", false},
		{domain.OriginMail, "", false},
		{domain.OriginAPI, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.origin), func(t *testing.T) {
			api := &fakeSES{}
			m := NewMirrorWithClient(api)
			err := m.Suppress(context.Background(), domain.SuppressionEntry{Address: "User@Example.com", Origin: tt.origin})
			require.NoError(t, err)
			if !tt.sent {
				assert.Empty(t, api.calls)
				return
			}
			require.Len(t, api.calls, 1)
			assert.Equal(t, "user@example.com", aws.ToString(api.calls[0].EmailAddress))
			assert.Equal(t, tt.want, api.calls[0].Reason)
		})
	}
}

func TestMirror_Error(t *testing.T) {
	m := NewMirrorWithClient(&fakeSES{err: errors.New("throttled")})
	err := m.Suppress(context.Background(), domain.SuppressionEntry{Address: "a@b.c", Origin: domain.OriginBounce})
	assert.ErrorContains(t, err, "throttled")
}
