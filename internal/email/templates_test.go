package email

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsched/internal/models"
)

func TestDefaultRegistryRendersAllTypes(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)

	data := map[string]interface{}{
		"PatientName":     "Jordan",
		"ChildName":       "Sam",
		"PracticeName":    "Lakeside Chiropractic",
		"PracticePhone":   "555-0100",
		"ReportURL":       "https://example.com/r/1",
		"BookingURL":      "https://example.com/book",
		"AppointmentDate": "March 9",
		"AppointmentTime": "9:00 AM",
	}

	for _, tt := range []models.TemplateType{
		models.TemplateAssessmentReport,
		models.TemplateAppointmentRemind,
		models.TemplateWelcome,
		models.TemplateFollowUp,
		models.TemplateReengagement,
	} {
		require.True(t, reg.Known(tt))
		body, err := reg.Render(tt, data)
		require.NoError(t, err, "template %s", tt)
		assert.Contains(t, body, "Jordan")
	}
}

func TestRegistryUnknownType(t *testing.T) {
	reg := NewRegistry()
	assert.False(t, reg.Known(models.TemplateType("no_such_template")))

	_, err := reg.Render(models.TemplateType("no_such_template"), nil)
	assert.Error(t, err)
}

func TestRendererEscapesHTML(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)

	body, err := reg.Render(models.TemplateWelcome, map[string]interface{}{
		"PatientName":  "<script>alert(1)</script>",
		"PracticeName": "Lakeside",
	})
	require.NoError(t, err)
	assert.NotContains(t, body, "<script>")
}
