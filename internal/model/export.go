package model

import "time"

// LeadExport is the top-level JSON structure for lead export.
type LeadExport struct {
	ExportedAt time.Time    `json:"exported_at"`
	Count      int          `json:"count"`
	Leads      []LeadRecord `json:"leads"`
}

// LeadRecord holds one lead with its delivery state for export.
type LeadRecord struct {
	DiagnosisID    string         `json:"diagnosis_id"`
	CompanyName    string         `json:"company_name"`
	ContactName    string         `json:"contact_name"`
	Email          string         `json:"email"`
	Phone          string         `json:"phone"`
	Industry       string         `json:"industry"`
	CompanySize    string         `json:"company_size"`
	Marketing      bool           `json:"marketing_consent"`
	TotalScore     int            `json:"total_score"`
	Grade          Grade          `json:"grade"`
	CategoryScores map[string]int `json:"category_scores"`
	Delivery       DeliveryStatus `json:"delivery_status"`
	CreatedAt      time.Time      `json:"created_at"`
}
