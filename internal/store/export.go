package store

import (
	"fmt"
	"time"

	"github.com/pavelanni/readiness/internal/model"
)

// ExportLeads builds an export of every lead with its delivery state.
func (s *Store) ExportLeads() (model.LeadExport, error) {
	leads, err := s.ListLeads()
	if err != nil {
		return model.LeadExport{}, fmt.Errorf("list leads: %w", err)
	}

	records := make([]model.LeadRecord, 0, len(leads))
	for _, l := range leads {
		delivery, err := s.GetDelivery(l.DiagnosisID)
		if err != nil {
			return model.LeadExport{}, fmt.Errorf("get delivery %s: %w", l.DiagnosisID, err)
		}
		status := model.DeliveryPending
		if delivery != nil {
			status = delivery.Status
		}

		records = append(records, model.LeadRecord{
			DiagnosisID:    l.DiagnosisID,
			CompanyName:    l.Company.CompanyName,
			ContactName:    l.Company.ContactName,
			Email:          l.Company.Email,
			Phone:          l.Company.Phone,
			Industry:       l.Company.Industry,
			CompanySize:    l.Company.CompanySize,
			Marketing:      l.Company.MarketingConsent,
			TotalScore:     l.Result.TotalScore,
			Grade:          l.Result.Grade,
			CategoryScores: l.Result.CategoryScores,
			Delivery:       status,
			CreatedAt:      l.CreatedAt,
		})
	}

	return model.LeadExport{
		ExportedAt: time.Now().UTC(),
		Count:      len(records),
		Leads:      records,
	}, nil
}
