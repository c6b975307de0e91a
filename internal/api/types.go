package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/careloop/scheduling/internal/scheduling"
)

type BookAppointmentRequest struct {
	ProviderID string  `json:"provider_id"`
	PatientID  string  `json:"patient_id"`
	Date       string  `json:"date"` // YYYY-MM-DD
	StartTime  string  `json:"start_time"`
	EndTime    string  `json:"end_time"`
	Type       string  `json:"type"`
	Reason     string  `json:"reason,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}

type CancelAppointmentRequest struct {
	Reason      string `json:"reason"`
	CancelledBy string `json:"cancelled_by"`
}

type RescheduleAppointmentRequest struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type UpdateStatusRequest struct {
	Status string `json:"status"`
}

type GenerateScheduleRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type SetCalendarActiveRequest struct {
	Active bool    `json:"active"`
	Notes  *string `json:"notes,omitempty"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID  `json:"id"`
	ProviderID         uuid.UUID  `json:"provider_id"`
	PatientID          uuid.UUID  `json:"patient_id"`
	CalendarID         uuid.UUID  `json:"calendar_id"`
	Date               string     `json:"date"`
	StartTime          string     `json:"start_time"`
	EndTime            string     `json:"end_time"`
	Status             string     `json:"status"`
	Type               string     `json:"type"`
	Reason             string     `json:"reason,omitempty"`
	Notes              *string    `json:"notes,omitempty"`
	CancellationReason *string    `json:"cancellation_reason,omitempty"`
	CancelledBy        *string    `json:"cancelled_by,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
}

func toAppointmentResponse(a *scheduling.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                 a.ID,
		ProviderID:         a.ProviderID,
		PatientID:          a.PatientID,
		CalendarID:         a.CalendarID,
		Date:               a.Date.Format("2006-01-02"),
		StartTime:          a.StartTime,
		EndTime:            a.EndTime,
		Status:             string(a.Status),
		Type:               a.Type,
		Reason:             a.Reason,
		Notes:              a.Notes,
		CancellationReason: a.CancellationReason,
		CancelledBy:        a.CancelledBy,
		CancelledAt:        a.CancelledAt,
	}
}

type SlotAvailabilityResponse struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Capacity  int    `json:"capacity"`
	Occupied  int    `json:"occupied"`
	Remaining int    `json:"remaining"`
}

type CalendarResponse struct {
	ID         uuid.UUID      `json:"id"`
	ProviderID uuid.UUID      `json:"provider_id"`
	Date       string         `json:"date"`
	Active     bool           `json:"active"`
	Notes      *string        `json:"notes,omitempty"`
	Slots      []SlotResponse `json:"slots"`
}

type SlotResponse struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Capacity  int    `json:"capacity"`
	Occupied  int    `json:"occupied"`
	Open      bool   `json:"open"`
}

func toCalendarResponse(c *scheduling.Calendar) CalendarResponse {
	resp := CalendarResponse{
		ID:         c.ID,
		ProviderID: c.ProviderID,
		Date:       c.Date.Format("2006-01-02"),
		Active:     c.Active,
		Notes:      c.Notes,
		Slots:      make([]SlotResponse, 0, len(c.Slots)),
	}
	for _, s := range c.Slots {
		resp.Slots = append(resp.Slots, SlotResponse{
			StartTime: s.StartTime,
			EndTime:   s.EndTime,
			Capacity:  s.Capacity,
			Occupied:  s.Occupied,
			Open:      s.Open,
		})
	}
	return resp
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
