package bounce

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mailsched/internal/models"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		ev   Event
		want Classification
	}{
		{
			name: "hard bounce suppresses",
			ev:   Event{Type: EventBounced, BounceType: BounceHard, Reason: "mailbox does not exist"},
			want: Classification{
				Action:          ActionSuppress,
				Severity:        SeverityHigh,
				Reason:          "mailbox does not exist",
				SuppressionType: models.SuppressionBounce,
			},
		},
		{
			name: "bounce without sub-type treated as hard",
			ev:   Event{Type: EventBounced},
			want: Classification{
				Action:          ActionSuppress,
				Severity:        SeverityHigh,
				Reason:          "hard bounce",
				SuppressionType: models.SuppressionBounce,
			},
		},
		{
			name: "soft bounce advises retry",
			ev:   Event{Type: EventBounced, BounceType: BounceSoft},
			want: Classification{
				Action:     ActionRetry,
				Severity:   SeverityMedium,
				RetryAfter: softBounceRetryDelay,
				Reason:     "soft bounce",
			},
		},
		{
			name: "complaint suppresses critically",
			ev:   Event{Type: EventComplained, ComplaintType: "abuse"},
			want: Classification{
				Action:          ActionSuppress,
				Severity:        SeverityCritical,
				Reason:          "spam complaint",
				SuppressionType: models.SuppressionComplaint,
			},
		},
		{
			name: "non-abuse complaint still suppresses",
			ev:   Event{Type: EventComplained, ComplaintType: "other"},
			want: Classification{
				Action:          ActionSuppress,
				Severity:        SeverityCritical,
				Reason:          "spam complaint",
				SuppressionType: models.SuppressionComplaint,
			},
		},
		{
			name: "delivered ignored",
			ev:   Event{Type: EventDelivered},
			want: Classification{Action: ActionIgnore, Severity: SeverityNone},
		},
		{
			name: "opened ignored",
			ev:   Event{Type: EventOpened},
			want: Classification{Action: ActionIgnore, Severity: SeverityNone},
		},
		{
			name: "clicked ignored",
			ev:   Event{Type: EventClicked},
			want: Classification{Action: ActionIgnore, Severity: SeverityNone},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.ev))
		})
	}
}
