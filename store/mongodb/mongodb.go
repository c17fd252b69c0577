/*
Package mongodb provides a MongoDB-backed implementation of dining.Store.

PURPOSE:
  Document storage for deployments that already run a replica set. A unit of
  work is a session transaction spanning three collections, so a reschedule
  (month + 30 day documents) or a purchase (student + day enrollments)
  commits as one.

COLLECTIONS:
  months:      One document per cycle with its break days embedded
  dining_days: The 30 slot identities of a month
  students:    Accounts with their transaction log embedded

INDEXES (created on New):
  - months {managerId: 1} UNIQUE, partial on {isActive: true}
  - dining_days {monthId: 1, dayNumber: 1} UNIQUE
  - students {monthId: 1, code: 1} UNIQUE

REQUIREMENTS:
  Multi-document transactions need a replica set or sharded cluster. A
  standalone server rejects StartTransaction.

FAILURES:
  Errors labelled TransientTransactionError or UnknownTransactionCommitResult,
  timeouts and network errors are returned as retryable persistence errors.
  Nothing is retried here.

SEE ALSO:
  - dining/store.go: Interface definitions
  - store/sqlite: The SQL implementation of the same port
*/
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/messhall/dining-engine/account"
	"github.com/messhall/dining-engine/calendar"
	"github.com/messhall/dining-engine/dining"
	"github.com/messhall/dining-engine/generic"
)

const (
	monthsCollection   = "months"
	daysCollection     = "dining_days"
	studentsCollection = "students"
)

// Store implements dining.Store on MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ dining.Store = (*Store)(nil)

// New connects, pings and makes sure the indexes exist.
func New(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	// Ping the database to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	s := &Store{client: client, db: client.Database(dbName)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	return s, nil
}

// Close closes the MongoDB connection.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Drop removes the database. Tests only.
func (s *Store) Drop(ctx context.Context) error {
	return s.db.Drop(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(monthsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "managerId", Value: 1}},
		Options: options.Index().
			SetName("one_active_per_manager").
			SetUnique(true).
			SetPartialFilterExpression(bson.D{{Key: "isActive", Value: true}}),
	})
	if err != nil {
		return err
	}
	_, err = s.db.Collection(daysCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "monthId", Value: 1}, {Key: "dayNumber", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = s.db.Collection(studentsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "monthId", Value: 1}, {Key: "code", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (dining.Store interface)
// =============================================================================

// WithTx runs fn inside a session transaction. It commits once or aborts once.
func (s *Store) WithTx(ctx context.Context, fn func(dining.Tx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return classify("start session", err)
	}
	defer sess.EndSession(context.Background())

	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	return mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
		if err := sess.StartTransaction(txOpts); err != nil {
			return classify("start transaction", err)
		}
		if err := fn(&txStore{db: s.db, ctx: sc}); err != nil {
			_ = sess.AbortTransaction(context.Background())
			return err
		}
		if err := sess.CommitTransaction(sc); err != nil {
			return classify("commit", err)
		}
		return nil
	})
}

// txStore issues every operation with the session context, so all reads and
// writes belong to the open transaction. The ctx arguments of the dining.Tx
// methods only carry deadlines, which the session context already inherits.
type txStore struct {
	db  *mongo.Database
	ctx mongo.SessionContext
}

func (ts *txStore) months() *mongo.Collection   { return ts.db.Collection(monthsCollection) }
func (ts *txStore) days() *mongo.Collection     { return ts.db.Collection(daysCollection) }
func (ts *txStore) students() *mongo.Collection { return ts.db.Collection(studentsCollection) }

// =============================================================================
// DOCUMENTS
// =============================================================================

type breakDoc struct {
	Date   string `bson:"date"`
	Reason string `bson:"reason"`
}

type monthDoc struct {
	ID        string     `bson:"_id"`
	ManagerID string     `bson:"managerId"`
	StartDate string     `bson:"startDate"`
	EndDate   string     `bson:"endDate"`
	DayCount  int        `bson:"dayCount"`
	IsActive  bool       `bson:"isActive"`
	Breaks    []breakDoc `bson:"breakDays"`
	CreatedAt time.Time  `bson:"createdAt"`
}

type dayDoc struct {
	ID        string   `bson:"_id"`
	MonthID   string   `bson:"monthId"`
	DayNumber int      `bson:"dayNumber"`
	Date      string   `bson:"date"`
	IsPast    bool     `bson:"isPast"`
	Students  []string `bson:"students"`
}

// Amounts are stored as decimal strings to keep them exact.
type txDoc struct {
	ID         string    `bson:"id"`
	Date       time.Time `bson:"date"`
	Days       int       `bson:"days"`
	Amount     string    `bson:"amount"`
	PaidAmount string    `bson:"paidAmount"`
	Type       string    `bson:"type"`
	Note       string    `bson:"note,omitempty"`
}

type studentDoc struct {
	ID                  string    `bson:"_id"`
	ManagerID           string    `bson:"managerId"`
	MonthID             string    `bson:"monthId"`
	Code                string    `bson:"code"`
	Name                string    `bson:"name"`
	Phone               string    `bson:"phone"`
	RoomNo              string    `bson:"roomNo"`
	SelectedDays        []string  `bson:"selectedDays"`
	ReturnedDays        []string  `bson:"returnedDays"`
	ReturnCount         int       `bson:"returnCount"`
	FeastPaid           bool      `bson:"feastPaid"`
	DailyFeastQuotaPaid bool      `bson:"dailyFeastQuotaPaid"`
	FeastTokenStartDay  int       `bson:"feastTokenStartDay"`
	Transactions        []txDoc   `bson:"transactions"`
	CreatedAt           time.Time `bson:"createdAt"`
	UpdatedAt           time.Time `bson:"updatedAt"`
}

// =============================================================================
// MONTHS
// =============================================================================

func (ts *txStore) ActiveMonth(_ context.Context, manager generic.ManagerID) (*calendar.Month, error) {
	var doc monthDoc
	err := ts.months().FindOne(ts.ctx, bson.M{"managerId": string(manager), "isActive": true}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, generic.ErrNoActiveMonth
	}
	if err != nil {
		return nil, classify("load month", err)
	}

	cur, err := ts.days().Find(ts.ctx, bson.M{"monthId": doc.ID},
		options.Find().SetSort(bson.D{{Key: "dayNumber", Value: 1}}))
	if err != nil {
		return nil, classify("load dining days", err)
	}
	var days []dayDoc
	if err := cur.All(ts.ctx, &days); err != nil {
		return nil, classify("load dining days", err)
	}
	return monthFromDocs(doc, days)
}

func (ts *txStore) DeactivateMonths(_ context.Context, manager generic.ManagerID) error {
	_, err := ts.months().UpdateMany(ts.ctx,
		bson.M{"managerId": string(manager), "isActive": true},
		bson.M{"$set": bson.M{"isActive": false}})
	return classify("deactivate months", err)
}

func (ts *txStore) InsertMonth(_ context.Context, m *calendar.Month) error {
	doc, days := monthToDocs(m)
	if _, err := ts.months().InsertOne(ts.ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &generic.ConflictError{Message: "manager already has an active dining month"}
		}
		return classify("insert month", err)
	}
	docs := make([]any, len(days))
	for i := range days {
		docs[i] = days[i]
	}
	_, err := ts.days().InsertMany(ts.ctx, docs)
	return classify("insert dining days", err)
}

func (ts *txStore) UpdateMonth(_ context.Context, m *calendar.Month) error {
	doc, days := monthToDocs(m)
	res, err := ts.months().UpdateOne(ts.ctx, bson.M{"_id": doc.ID}, bson.M{"$set": bson.M{
		"startDate": doc.StartDate,
		"endDate":   doc.EndDate,
		"isActive":  doc.IsActive,
		"breakDays": doc.Breaks,
	}})
	if err != nil {
		return classify("update month", err)
	}
	if res.MatchedCount == 0 {
		return &generic.NotFoundError{Resource: "dining month", Key: doc.ID}
	}

	for _, day := range days {
		_, err := ts.days().UpdateOne(ts.ctx,
			bson.M{"_id": day.ID, "monthId": doc.ID},
			bson.M{"$set": bson.M{
				"dayNumber": day.DayNumber,
				"date":      day.Date,
				"isPast":    day.IsPast,
				"students":  day.Students,
			}})
		if err != nil {
			return classify("update dining day", err)
		}
	}
	return nil
}

func monthToDocs(m *calendar.Month) (monthDoc, []dayDoc) {
	doc := monthDoc{
		ID:        string(m.ID),
		ManagerID: string(m.ManagerID),
		StartDate: m.Window.Start.String(),
		EndDate:   m.Window.End.String(),
		DayCount:  m.DayCount,
		IsActive:  m.IsActive,
		Breaks:    make([]breakDoc, 0, len(m.Window.Breaks)),
		CreatedAt: m.CreatedAt,
	}
	for _, b := range m.Window.Breaks {
		doc.Breaks = append(doc.Breaks, breakDoc{Date: b.Date.String(), Reason: b.Reason})
	}
	days := make([]dayDoc, len(m.Window.Slots))
	for i, s := range m.Window.Slots {
		days[i] = dayDoc{
			ID:        string(s.ID),
			MonthID:   doc.ID,
			DayNumber: s.DayNumber,
			Date:      s.Date.String(),
			IsPast:    s.IsPast,
			Students:  toStrings(s.Students),
		}
	}
	return doc, days
}

func monthFromDocs(doc monthDoc, days []dayDoc) (*calendar.Month, error) {
	w := &calendar.Window{}
	var err error
	if w.Start, err = generic.ParseDate(doc.StartDate); err != nil {
		return nil, classify("decode month", err)
	}
	if w.End, err = generic.ParseDate(doc.EndDate); err != nil {
		return nil, classify("decode month", err)
	}
	for _, b := range doc.Breaks {
		d, err := generic.ParseDate(b.Date)
		if err != nil {
			return nil, classify("decode month", err)
		}
		w.Breaks = append(w.Breaks, calendar.BreakDay{Date: d, Reason: b.Reason})
	}
	for _, day := range days {
		d, err := generic.ParseDate(day.Date)
		if err != nil {
			return nil, classify("decode dining day", err)
		}
		w.Slots = append(w.Slots, calendar.Slot{
			ID:        generic.DayID(day.ID),
			DayNumber: day.DayNumber,
			Date:      d,
			IsPast:    day.IsPast,
			Students:  fromStrings[generic.StudentID](day.Students),
		})
	}
	return &calendar.Month{
		ID:        generic.MonthID(doc.ID),
		ManagerID: generic.ManagerID(doc.ManagerID),
		Window:    w,
		DayCount:  doc.DayCount,
		IsActive:  doc.IsActive,
		CreatedAt: doc.CreatedAt.UTC(),
	}, nil
}

// =============================================================================
// STUDENTS
// =============================================================================

func (ts *txStore) FindStudent(_ context.Context, month generic.MonthID, code string) (*account.Student, error) {
	var doc studentDoc
	err := ts.students().FindOne(ts.ctx, bson.M{"monthId": string(month), "code": code}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("find student", err)
	}
	return studentFromDoc(doc)
}

func (ts *txStore) ListStudents(_ context.Context, month generic.MonthID) ([]*account.Student, error) {
	cur, err := ts.students().Find(ts.ctx, bson.M{"monthId": string(month)},
		options.Find().SetSort(bson.D{{Key: "code", Value: 1}}))
	if err != nil {
		return nil, classify("list students", err)
	}
	var docs []studentDoc
	if err := cur.All(ts.ctx, &docs); err != nil {
		return nil, classify("list students", err)
	}
	out := make([]*account.Student, 0, len(docs))
	for _, doc := range docs {
		st, err := studentFromDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// SaveStudent inserts a new student, or sets the scalar fields and pushes only
// the log entries the stored document does not have yet.
func (ts *txStore) SaveStudent(_ context.Context, st *account.Student) error {
	doc := studentToDoc(st)

	var stored struct {
		Transactions []txDoc `bson:"transactions"`
	}
	err := ts.students().FindOne(ts.ctx, bson.M{"_id": doc.ID},
		options.FindOne().SetProjection(bson.M{"transactions.id": 1})).Decode(&stored)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, err := ts.students().InsertOne(ts.ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return &generic.ConflictError{Message: fmt.Sprintf("student code %s already taken", st.Code)}
			}
			return classify("insert student", err)
		}
		return nil
	}
	if err != nil {
		return classify("load student", err)
	}

	if len(stored.Transactions) > len(doc.Transactions) {
		return classify("save student", fmt.Errorf("ledger of %s would shrink", st.Code))
	}
	for i, tx := range stored.Transactions {
		if doc.Transactions[i].ID != tx.ID {
			return classify("save student", fmt.Errorf("ledger entry %s of %s rewritten", tx.ID, st.Code))
		}
	}

	update := bson.M{"$set": bson.M{
		"name":                doc.Name,
		"phone":               doc.Phone,
		"roomNo":              doc.RoomNo,
		"selectedDays":        doc.SelectedDays,
		"returnedDays":        doc.ReturnedDays,
		"returnCount":         doc.ReturnCount,
		"feastPaid":           doc.FeastPaid,
		"dailyFeastQuotaPaid": doc.DailyFeastQuotaPaid,
		"feastTokenStartDay":  doc.FeastTokenStartDay,
		"updatedAt":           doc.UpdatedAt,
	}}
	if fresh := doc.Transactions[len(stored.Transactions):]; len(fresh) > 0 {
		update["$push"] = bson.M{"transactions": bson.M{"$each": fresh}}
	}
	_, err = ts.students().UpdateOne(ts.ctx, bson.M{"_id": doc.ID}, update)
	return classify("update student", err)
}

func studentToDoc(st *account.Student) studentDoc {
	doc := studentDoc{
		ID:                  string(st.ID),
		ManagerID:           string(st.ManagerID),
		MonthID:             string(st.MonthID),
		Code:                st.Code,
		Name:                st.Name,
		Phone:               st.Phone,
		RoomNo:              st.RoomNo,
		SelectedDays:        toStrings(st.SelectedDays),
		ReturnedDays:        toStrings(st.ReturnedDays),
		ReturnCount:         st.ReturnCount,
		FeastPaid:           st.FeastPaid,
		DailyFeastQuotaPaid: st.DailyFeastQuotaPaid,
		FeastTokenStartDay:  st.FeastTokenStartDay,
		Transactions:        make([]txDoc, 0, len(st.Transactions)),
		CreatedAt:           st.CreatedAt,
		UpdatedAt:           st.UpdatedAt,
	}
	for _, tx := range st.Transactions {
		doc.Transactions = append(doc.Transactions, txDoc{
			ID:         string(tx.ID),
			Date:       tx.Date,
			Days:       tx.Days,
			Amount:     tx.Amount.String(),
			PaidAmount: tx.PaidAmount.String(),
			Type:       string(tx.Type),
			Note:       tx.Note,
		})
	}
	return doc
}

func studentFromDoc(doc studentDoc) (*account.Student, error) {
	st := &account.Student{
		ID:                  generic.StudentID(doc.ID),
		ManagerID:           generic.ManagerID(doc.ManagerID),
		MonthID:             generic.MonthID(doc.MonthID),
		Code:                doc.Code,
		Name:                doc.Name,
		Phone:               doc.Phone,
		RoomNo:              doc.RoomNo,
		SelectedDays:        fromStrings[generic.DayID](doc.SelectedDays),
		ReturnedDays:        fromStrings[generic.DayID](doc.ReturnedDays),
		ReturnCount:         doc.ReturnCount,
		FeastPaid:           doc.FeastPaid,
		DailyFeastQuotaPaid: doc.DailyFeastQuotaPaid,
		FeastTokenStartDay:  doc.FeastTokenStartDay,
		CreatedAt:           doc.CreatedAt.UTC(),
		UpdatedAt:           doc.UpdatedAt.UTC(),
	}
	for _, t := range doc.Transactions {
		amount, err := generic.ParseAmount(t.Amount)
		if err != nil {
			return nil, classify("decode transaction", err)
		}
		paid, err := generic.ParseAmount(t.PaidAmount)
		if err != nil {
			return nil, classify("decode transaction", err)
		}
		st.Transactions = append(st.Transactions, generic.Transaction{
			ID:         generic.TransactionID(t.ID),
			Date:       t.Date.UTC(),
			Days:       t.Days,
			Amount:     amount,
			PaidAmount: paid,
			Type:       generic.TransactionType(t.Type),
			Note:       t.Note,
		})
	}
	return st, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func toStrings[T ~string](ids []T) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func fromStrings[T ~string](values []string) []T {
	if len(values) == 0 {
		return nil
	}
	out := make([]T, len(values))
	for i, v := range values {
		out[i] = T(v)
	}
	return out
}

// classify wraps driver errors. Transaction aborts the server marks as
// transient, timeouts and network failures are retryable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if generic.KindOf(err) != generic.KindInternal {
		return err
	}
	pe := &generic.PersistenceError{Op: op, Err: err}
	var se mongo.ServerError
	if errors.As(err, &se) &&
		(se.HasErrorLabel("TransientTransactionError") || se.HasErrorLabel("UnknownTransactionCommitResult")) {
		pe.Retryable = true
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		pe.Retryable = true
	}
	return pe
}
