package filter

// Attendee classifies the attendee record. Spouse details are an embedded
// record filtered with the same sets.
var Attendee = MustNew("attendee",
	[]string{
		"email",
		"business_phone",
		"mobile_phone",
		"personal_phone",
		"home_address",
		"date_of_birth",
		"passport_number",
		"emergency_contact_name",
		"emergency_contact_phone",
		"dietary_restrictions",
		"accessibility_needs",
		"payment_reference",
		"assistant_email",
		"assistant_phone",
		"internal_notes",
		"access_code",
	},
	[]string{
		"id",
		"first_name",
		"last_name",
		"title",
		"company",
		"company_name_standardized",
		"bio",
		"photo",
		"linkedin_url",
		"attendee_type",
		"registration_status",
		"registration_date",
		"is_cfo",
		"is_speaker",
		"has_spouse",
		"is_spouse",
		"primary_attendee_id",
		"spouse_details",
		"check_in_date",
		"check_out_date",
		"hotel_selection",
		"selected_breakouts",
		"dining_selection",
		"created_at",
		"updated_at",
	},
)
