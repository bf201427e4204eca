package reconcile

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petalcrm/sundew/pkg/crm"
	"github.com/petalcrm/sundew/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeContactRepo struct {
	byPhone map[string]*models.Contact
	updates int
}

func newFakeContactRepo() *fakeContactRepo {
	return &fakeContactRepo{byPhone: make(map[string]*models.Contact)}
}

func (r *fakeContactRepo) Create(ctx context.Context, contact *models.Contact) error {
	if contact.ID == uuid.Nil {
		contact.ID = uuid.New()
	}
	r.byPhone[contact.Phone] = contact
	return nil
}

func (r *fakeContactRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Contact, error) {
	for _, c := range r.byPhone {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, httperror.NewHTTPError(http.StatusNotFound, "contact not found")
}

func (r *fakeContactRepo) GetByPhone(ctx context.Context, phone string) (*models.Contact, error) {
	if c, ok := r.byPhone[phone]; ok {
		return c, nil
	}
	return nil, httperror.NewHTTPError(http.StatusNotFound, "contact not found")
}

func (r *fakeContactRepo) List(ctx context.Context) ([]models.Contact, error) {
	return nil, nil
}

func (r *fakeContactRepo) Update(ctx context.Context, contact *models.Contact) error {
	r.updates++
	r.byPhone[contact.Phone] = contact
	return nil
}

type fakeLeadService struct {
	ensured  []*models.Contact
	leads    map[string]*crm.Lead // keyed by trailing digits
	searched []string
}

func (s *fakeLeadService) EnsureLead(ctx context.Context, contact *models.Contact) (*crm.Lead, bool, error) {
	s.ensured = append(s.ensured, contact)
	return &crm.Lead{ID: uuid.New(), Phone: contact.Phone}, true, nil
}

func (s *fakeLeadService) FindLeadByPhone(ctx context.Context, tenantID uuid.UUID, canonicalPhone string) (*crm.Lead, error) {
	s.searched = append(s.searched, canonicalPhone)
	if s.leads == nil {
		return nil, nil
	}
	return s.leads[canonicalPhone], nil
}

type fakeNotifier struct {
	created []string
	updated []string
	linked  []uuid.UUID
}

func (n *fakeNotifier) ContactCreated(ctx context.Context, contact *models.Contact) error {
	n.created = append(n.created, contact.Phone)
	return nil
}

func (n *fakeNotifier) ContactUpdated(ctx context.Context, contact *models.Contact) error {
	n.updated = append(n.updated, contact.Phone)
	return nil
}

func (n *fakeNotifier) ContactLeadLinked(ctx context.Context, contact *models.Contact, leadID uuid.UUID) error {
	n.linked = append(n.linked, leadID)
	return nil
}

func newTestEngine() (*Engine, *fakeContactRepo, *fakeLeadService, *fakeNotifier) {
	contacts := newFakeContactRepo()
	leads := &fakeLeadService{}
	notifier := &fakeNotifier{}
	return NewEngine(contacts, leads, notifier, testLogger()), contacts, leads, notifier
}

func testMessage(sender string) *models.Message {
	name := "Maria"
	return &models.Message{
		Sender:     sender,
		SenderName: &name,
		SentAt:     time.Unix(1700000000, 0).UTC(),
	}
}

func testEngineChannel() *models.Channel {
	return &models.Channel{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Name:     "whatsapp-main",
	}
}

func TestReconcileMessage_CreatesContact(t *testing.T) {
	engine, contacts, leads, notifier := newTestEngine()
	channel := testEngineChannel()

	err := engine.ReconcileMessage(context.Background(), channel,
		testMessage("5511999887766@s.whatsapp.net"), true)
	require.NoError(t, err)

	contact, ok := contacts.byPhone["5511999887766"]
	require.True(t, ok, "contact should be keyed by canonical phone")
	assert.Equal(t, channel.TenantID, contact.TenantID)
	assert.Equal(t, "whatsapp-main", *contact.OriginSource)
	assert.Equal(t, "Maria", *contact.Name)
	require.NotNil(t, contact.LastMessageAt)

	assert.Equal(t, []string{"5511999887766"}, notifier.created)
	require.Len(t, leads.ensured, 1)
}

func TestReconcileMessage_SkipsSentinelAndGroups(t *testing.T) {
	engine, contacts, _, _ := newTestEngine()
	channel := testEngineChannel()

	require.NoError(t, engine.ReconcileMessage(context.Background(), channel,
		testMessage(models.UnknownSender), true))

	group := testMessage("120363041234567890@g.us")
	group.IsGroup = true
	require.NoError(t, engine.ReconcileMessage(context.Background(), channel, group, true))

	assert.Empty(t, contacts.byPhone)
}

func TestReconcileMessage_MergesIntoExisting(t *testing.T) {
	engine, contacts, _, notifier := newTestEngine()
	channel := testEngineChannel()

	origin := "paid-ads"
	oldName := "M."
	existing := &models.Contact{
		ID:           uuid.New(),
		TenantID:     channel.TenantID,
		Phone:        "5511999887766",
		Name:         &oldName,
		OriginSource: &origin,
	}
	require.NoError(t, contacts.Create(context.Background(), existing))

	err := engine.ReconcileMessage(context.Background(), channel,
		testMessage("5511999887766@s.whatsapp.net"), true)
	require.NoError(t, err)

	contact := contacts.byPhone["5511999887766"]
	assert.Equal(t, "Maria", *contact.Name, "display name refreshes")
	assert.Equal(t, "paid-ads", *contact.OriginSource, "origin is first-touch")
	assert.Equal(t, []string{"5511999887766"}, notifier.updated)
	assert.Empty(t, notifier.created)
}

func TestReconcileMessage_EnsuresLeadForExistingContact(t *testing.T) {
	engine, contacts, leads, _ := newTestEngine()
	channel := testEngineChannel()

	// The contact exists but never got a lead, say because the CRM was
	// down when it was created.
	oldName := "M."
	existing := &models.Contact{
		ID:       uuid.New(),
		TenantID: channel.TenantID,
		Phone:    "5511999887766",
		Name:     &oldName,
	}
	require.NoError(t, contacts.Create(context.Background(), existing))

	err := engine.ReconcileMessage(context.Background(), channel,
		testMessage("5511999887766@s.whatsapp.net"), false)
	require.NoError(t, err)

	require.Len(t, leads.ensured, 1)
	assert.Equal(t, "5511999887766", leads.ensured[0].Phone)
}

func TestReconcileMessage_UnchangedSkipsUpdate(t *testing.T) {
	engine, contacts, _, notifier := newTestEngine()
	channel := testEngineChannel()

	message := testMessage("5511999887766")
	require.NoError(t, engine.ReconcileMessage(context.Background(), channel, message, true))
	updatesAfterCreate := contacts.updates

	// Redelivery of the identical message changes nothing
	require.NoError(t, engine.ReconcileMessage(context.Background(), channel, message, false))
	assert.Equal(t, updatesAfterCreate, contacts.updates)
	assert.Empty(t, notifier.updated)
}

func TestImport_RejectsUnusablePhones(t *testing.T) {
	engine, _, _, _ := newTestEngine()

	for _, phone := range []string{"", models.UnknownSender, "no-digits-here"} {
		_, _, err := engine.Import(context.Background(), &models.Contact{Phone: phone})
		require.Error(t, err, "phone %q", phone)
		assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
	}
}

func TestImport_CanonicalizesAndCreates(t *testing.T) {
	engine, contacts, leads, _ := newTestEngine()

	contact, created, err := engine.Import(context.Background(), &models.Contact{
		TenantID: uuid.New(),
		Phone:    "+55 (11) 99988-7766",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "5511999887766", contact.Phone)
	assert.Contains(t, contacts.byPhone, "5511999887766")
	assert.Len(t, leads.ensured, 1)
}

func TestImport_PaidAttributionLinksLead(t *testing.T) {
	engine, contacts, leads, notifier := newTestEngine()

	leadID := uuid.New()
	leads.leads = map[string]*crm.Lead{
		"5511999887766": {ID: leadID, Phone: "11999887766"},
	}

	utm := "facebook"
	contact, created, err := engine.Import(context.Background(), &models.Contact{
		TenantID:  uuid.New(),
		Phone:     "5511999887766",
		UTMSource: &utm,
	})
	require.NoError(t, err)
	assert.True(t, created)

	require.NotNil(t, contact.LeadID)
	assert.Equal(t, leadID, *contact.LeadID)
	assert.Equal(t, []uuid.UUID{leadID}, notifier.linked)
	assert.NotNil(t, contacts.byPhone["5511999887766"].LeadID)
}

func TestImport_OrganicContactNotLinked(t *testing.T) {
	engine, _, leads, notifier := newTestEngine()

	contact, _, err := engine.Import(context.Background(), &models.Contact{
		TenantID: uuid.New(),
		Phone:    "5511999887766",
	})
	require.NoError(t, err)

	assert.Nil(t, contact.LeadID)
	assert.Empty(t, leads.searched)
	assert.Empty(t, notifier.linked)
}
