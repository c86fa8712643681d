package validate

var (
	DealStages    = []string{"lead", "qualified", "proposal", "negotiation", "won", "lost"}
	LeadStatuses  = []string{"new", "contacted", "qualified", "unqualified", "converted"}
	ActivityTypes = []string{"call", "meeting", "email", "task", "note"}
)

var (
	PersonCreate = newSchema("person", []field{
		text("first_name", shortText),
		text("last_name", shortText),
		email("email"),
		text("phone", 50),
		text("job_title", shortText),
		reference("organization_id"),
		text("notes", longText),
	}, atLeastOne("first_name", "last_name", "email"))
	PersonUpdate = PersonCreate.Partial()

	OrganizationCreate = newSchema("organization", []field{
		text("name", shortText).require(),
		link("website"),
		text("industry", shortText),
		text("phone", 50),
		text("address", 500),
		text("notes", longText),
	}, nil)
	OrganizationUpdate = OrganizationCreate.Partial()

	DealCreate = newSchema("deal", []field{
		text("name", shortText).require(),
		positive("amount"),
		currency("currency"),
		oneOf("stage", DealStages...),
		date("expected_close_date"),
		reference("person_id"),
		reference("organization_id"),
		text("notes", longText),
	}, nil)
	DealUpdate = DealCreate.Partial()

	LeadCreate = newSchema("lead", []field{
		text("name", shortText),
		email("email"),
		text("company_name", shortText),
		text("phone", 50),
		text("source", shortText),
		oneOf("status", LeadStatuses...),
		positive("estimated_value"),
		text("notes", longText),
	}, atLeastOne("name", "email", "company_name"))
	LeadUpdate = LeadCreate.Partial()

	ActivityCreate = newSchema("activity", []field{
		oneOf("type", ActivityTypes...).require(),
		text("subject", shortText).require(),
		text("description", longText),
		timestamp("due_at"),
		boolean("done"),
		reference("deal_id"),
		reference("person_id"),
		reference("organization_id"),
		reference("lead_id"),
	}, nil)
	ActivityUpdate = ActivityCreate.Partial()
)
