package xero

import "time"

// Consent variants. The XPM-only flow requests a scope set that avoids mixing
// Accounting and Practice Manager scopes, which some apps cannot combine.
const (
	VariantCombined = "xero"
	VariantXPMOnly  = "xpm"
)

// ProviderConfig is the explicit configuration for one Xero OAuth client.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	XPMScopes    []string
	LoginURL     string
	IdentityURL  string
	APIBaseURL   string
}

// ScopesFor returns the scope set requested by a consent variant.
func (c ProviderConfig) ScopesFor(variant string) []string {
	if variant == VariantXPMOnly && len(c.XPMScopes) > 0 {
		return c.XPMScopes
	}
	return c.Scopes
}

// TokenSet is the token bundle issued by the identity endpoint. Field names follow
// the provider response so the serialized form round-trips unchanged.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	// ExpiresAt is the access token expiry in epoch seconds, zero when unknown.
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// Expiry returns ExpiresAt as a time, or the zero time when unknown.
func (t TokenSet) Expiry() time.Time {
	if t.ExpiresAt <= 0 {
		return time.Time{}
	}
	return time.Unix(t.ExpiresAt, 0).UTC()
}

// ExpiresWithin reports whether the token expires before now+window. Tokens
// without a known expiry never report as expiring.
func (t TokenSet) ExpiresWithin(now time.Time, window time.Duration) bool {
	exp := t.Expiry()
	if exp.IsZero() {
		return false
	}
	return exp.Before(now.Add(window))
}

// OAuthState is persisted between the consent redirect and the callback.
type OAuthState struct {
	State     string    `json:"state"`
	Variant   string    `json:"variant"`
	CreatedAt time.Time `json:"created_at"`
}

// Connection is a tenant reachable with the current access token.
type Connection struct {
	ID             string `json:"id,omitempty"`
	TenantID       string `json:"tenantId"`
	TenantType     string `json:"tenantType"`
	TenantName     string `json:"tenantName"`
	AuthEventID    string `json:"authEventId,omitempty"`
	CreatedDateUTC string `json:"createdDateUtc,omitempty"`
	UpdatedDateUTC string `json:"updatedDateUtc,omitempty"`
}

// Organisation is the subset of the Accounting API organisation exposed by the demo endpoint.
type Organisation struct {
	OrganisationID         string `json:"organisationID"`
	Name                   string `json:"name"`
	LegalName              string `json:"legalName,omitempty"`
	ShortCode              string `json:"shortCode,omitempty"`
	CountryCode            string `json:"countryCode,omitempty"`
	BaseCurrency           string `json:"baseCurrency,omitempty"`
	OrganisationStatus     string `json:"organisationStatus,omitempty"`
	IsDemoCompany          bool   `json:"isDemoCompany"`
	CreatedDateUTC         string `json:"createdDateUTC,omitempty"`
	EndOfYearLockDate      string `json:"endOfYearLockDate,omitempty"`
	TaxNumber              string `json:"taxNumber,omitempty"`
	FinancialYearEndDay    int    `json:"financialYearEndDay,omitempty"`
	FinancialYearEndMonth  int    `json:"financialYearEndMonth,omitempty"`
	SalesTaxBasis          string `json:"salesTaxBasis,omitempty"`
	SalesTaxPeriod         string `json:"salesTaxPeriod,omitempty"`
	DefaultSalesTax        string `json:"defaultSalesTax,omitempty"`
	DefaultPurchasesTax    string `json:"defaultPurchasesTax,omitempty"`
	PeriodLockDate         string `json:"periodLockDate,omitempty"`
	Timezone               string `json:"timezone,omitempty"`
	OrganisationEntityType string `json:"organisationEntityType,omitempty"`
	RegistrationNumber     string `json:"registrationNumber,omitempty"`
}

// InvoiceRecord is the normalized invoice shape regardless of source format.
// Every field is optional since no source populates all of them.
type InvoiceRecord struct {
	ID                 *string `json:"id,omitempty"`
	InternalID         *string `json:"internalId,omitempty"`
	Type               *string `json:"type,omitempty"`
	Description        *string `json:"description,omitempty"`
	JobText            *string `json:"jobText,omitempty"`
	Date               *string `json:"date,omitempty"`
	DueDate            *string `json:"dueDate,omitempty"`
	Amount             *string `json:"amount,omitempty"`
	AmountTax          *string `json:"amountTax,omitempty"`
	AmountIncludingTax *string `json:"amountIncludingTax,omitempty"`
	AmountPaid         *string `json:"amountPaid,omitempty"`
	AmountOutstanding  *string `json:"amountOutstanding,omitempty"`
	Status             *string `json:"status,omitempty"`
	ClientName         *string `json:"clientName,omitempty"`
}
