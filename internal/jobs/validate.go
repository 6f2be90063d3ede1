package jobs

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"trustlance/internal/units"
)

const (
	MinTitleLength       = 10
	MinDescriptionLength = 30
	MaxSkills            = 10
	TempIDPrefix         = "PROJ_"
)

var (
	budgetTypes      = map[string]bool{"fixed": true, "hourly": true}
	experienceLevels = map[string]bool{"beginner": true, "intermediate": true, "expert": true}
	locations        = map[string]bool{"anywhere": true, "same-country": true, "specific": true}
	visibilities     = map[string]bool{"public": true, "private": true}

	txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// ValidateDraft applies the posting wizard's rules to a draft.
func ValidateDraft(d Draft) error {
	if _, err := units.ToBaseUnits(d.BudgetAmount); err != nil {
		return fmt.Errorf("budget_amount: %w", err)
	}
	return validateFields(fields{
		title:       d.Title,
		description: d.Description,
		category:    d.Category,
		subcategory: d.Subcategory,
		budgetType:  d.BudgetType,
		start:       d.StartDate,
		end:         d.EndDate,
		experience:  d.ExperienceLevel,
		skills:      d.Skills,
		location:    d.LocationPreference,
		visibility:  d.Visibility,
	})
}

// ValidatePayload re-checks a submitted payload server-side, including the
// escrow evidence the client must attach.
func ValidatePayload(p Payload) error {
	if !p.BudgetAmount.IsPositive() {
		return errors.New("budget_amount must be greater than zero")
	}
	if err := validateFields(fields{
		title:       p.Title,
		description: p.Description,
		category:    p.Category,
		subcategory: p.Subcategory,
		budgetType:  p.BudgetType,
		start:       p.StartDate,
		end:         p.EndDate,
		experience:  p.ExperienceLevel,
		skills:      p.Skills,
		location:    p.LocationPreference,
		visibility:  p.Visibility,
	}); err != nil {
		return err
	}
	if !p.EscrowLocked {
		return errors.New("escrow_locked must be true")
	}
	if !txHashPattern.MatchString(p.BlockchainTx) {
		return errors.New("blockchain_tx must be a transaction hash")
	}
	if !strings.HasPrefix(p.TempID, TempIDPrefix) || len(p.TempID) == len(TempIDPrefix) {
		return fmt.Errorf("temp_id must start with %s", TempIDPrefix)
	}
	return nil
}

type fields struct {
	title, description    string
	category, subcategory string
	budgetType            string
	start, end            time.Time
	experience            string
	skills                []string
	location, visibility  string
}

func validateFields(f fields) error {
	switch {
	case strings.TrimSpace(f.title) == "":
		return errors.New("title is required")
	case len(f.title) < MinTitleLength:
		return fmt.Errorf("title must be at least %d characters", MinTitleLength)
	case strings.TrimSpace(f.description) == "":
		return errors.New("description is required")
	case len(f.description) < MinDescriptionLength:
		return fmt.Errorf("description must be at least %d characters", MinDescriptionLength)
	case f.category == "":
		return errors.New("category is required")
	case f.subcategory == "":
		return errors.New("subcategory is required")
	case !budgetTypes[f.budgetType]:
		return errors.New("budget_type must be fixed or hourly")
	case f.start.IsZero():
		return errors.New("start_date is required")
	case f.end.IsZero():
		return errors.New("end_date is required")
	case !f.end.After(f.start):
		return errors.New("end_date must be after start_date")
	case !experienceLevels[f.experience]:
		return errors.New("experience_level must be beginner, intermediate or expert")
	case len(f.skills) > MaxSkills:
		return fmt.Errorf("at most %d skills are allowed", MaxSkills)
	case f.location != "" && !locations[f.location]:
		return errors.New("location_preference is not recognised")
	case f.visibility != "" && !visibilities[f.visibility]:
		return errors.New("visibility must be public or private")
	}
	return nil
}
