package crm

import (
	"time"

	"pipecd/api/internal/store"
)

type Person struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	FirstName      *string   `json:"first_name"`
	LastName       *string   `json:"last_name"`
	Email          *string   `json:"email"`
	Phone          *string   `json:"phone"`
	JobTitle       *string   `json:"job_title"`
	OrganizationID *string   `json:"organization_id"`
	Notes          *string   `json:"notes"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Organization struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Website   *string   `json:"website"`
	Industry  *string   `json:"industry"`
	Phone     *string   `json:"phone"`
	Address   *string   `json:"address"`
	Notes     *string   `json:"notes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Deal struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	Name              string    `json:"name"`
	Amount            *float64  `json:"amount"`
	Currency          *string   `json:"currency"`
	Stage             *string   `json:"stage"`
	ExpectedCloseDate *string   `json:"expected_close_date"`
	PersonID          *string   `json:"person_id"`
	OrganizationID    *string   `json:"organization_id"`
	Notes             *string   `json:"notes"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type Lead struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Name           *string   `json:"name"`
	Email          *string   `json:"email"`
	CompanyName    *string   `json:"company_name"`
	Phone          *string   `json:"phone"`
	Source         *string   `json:"source"`
	Status         *string   `json:"status"`
	EstimatedValue *float64  `json:"estimated_value"`
	Notes          *string   `json:"notes"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Activity struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Type           string     `json:"type"`
	Subject        string     `json:"subject"`
	Description    *string    `json:"description"`
	DueAt          *time.Time `json:"due_at"`
	Done           *bool      `json:"done"`
	DealID         *string    `json:"deal_id"`
	PersonID       *string    `json:"person_id"`
	OrganizationID *string    `json:"organization_id"`
	LeadID         *string    `json:"lead_id"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

var (
	OrganizationsTable = store.Table{
		Name:    "organizations",
		Columns: []string{"name", "website", "industry", "phone", "address", "notes"},
		Unique:  [][]string{{store.OwnerColumn, "name"}},
	}
	PeopleTable = store.Table{
		Name:       "people",
		Columns:    []string{"first_name", "last_name", "email", "phone", "job_title", "organization_id", "notes"},
		Unique:     [][]string{{store.OwnerColumn, "email"}},
		References: map[string]string{"organization_id": "organizations"},
	}
	DealsTable = store.Table{
		Name:    "deals",
		Columns: []string{"name", "amount", "currency", "stage", "expected_close_date", "person_id", "organization_id", "notes"},
		References: map[string]string{
			"person_id":       "people",
			"organization_id": "organizations",
		},
		Defaults: map[string]any{"stage": "lead"},
	}
	LeadsTable = store.Table{
		Name:     "leads",
		Columns:  []string{"name", "email", "company_name", "phone", "source", "status", "estimated_value", "notes"},
		Defaults: map[string]any{"status": "new"},
	}
	ActivitiesTable = store.Table{
		Name:    "activities",
		Columns: []string{"type", "subject", "description", "due_at", "done", "deal_id", "person_id", "organization_id", "lead_id"},
		References: map[string]string{
			"deal_id":         "deals",
			"person_id":       "people",
			"organization_id": "organizations",
			"lead_id":         "leads",
		},
		Defaults: map[string]any{"done": false},
	}
)

// Services bundles one service per aggregate. Services hold no
// connection state; the client is passed on every call.
type Services struct {
	People        *Service[Person]
	Organizations *Service[Organization]
	Deals         *Service[Deal]
	Leads         *Service[Lead]
	Activities    *Service[Activity]
}

func NewServices() *Services {
	return &Services{
		People:        NewService[Person]("person", PeopleTable),
		Organizations: NewService[Organization]("organization", OrganizationsTable),
		Deals:         NewService[Deal]("deal", DealsTable),
		Leads:         NewService[Lead]("lead", LeadsTable),
		Activities:    NewService[Activity]("activity", ActivitiesTable),
	}
}
