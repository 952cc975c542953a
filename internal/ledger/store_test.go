package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppiankov/consentgate/internal/model"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testStore interface {
	Store
	UsageLog
}

func fixedClock() time.Time { return testNow }

// extraFactories is filled by build-tagged test files with stores that need
// external services.
var extraFactories = map[string]func(t *testing.T) testStore{}

func storeFactories() map[string]func(t *testing.T) testStore {
	out := map[string]func(t *testing.T) testStore{
		"memory": func(t *testing.T) testStore {
			return NewMemoryStore(fixedClock)
		},
		"sqlite": func(t *testing.T) testStore {
			t.Helper()
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), fixedClock)
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	for name, open := range extraFactories {
		out[name] = open
	}
	return out
}

func forEachStore(t *testing.T, fn func(t *testing.T, s testStore)) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

var storyRef = model.EntityRef{Type: model.EntityStory, ID: "s-1"}

func publicInput(uses ...model.PermittedUse) model.ConsentInput {
	return model.ConsentInput{
		Entity:        storyRef,
		Level:         model.LevelPublic,
		PermittedUses: uses,
		GrantedBy:     "coordinator-7",
	}
}

func TestCurrentNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		_, err := s.Current(context.Background(), storyRef)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestCreateRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		ctx := context.Background()
		exp := testNow.Add(24 * time.Hour)
		in := model.ConsentInput{
			Entity:            storyRef,
			Level:             model.LevelCommunity,
			PermittedUses:     []model.PermittedUse{model.UseQueryInternal, model.UsePublish, model.UsePublish},
			CulturalAuthority: "Elders Council",
			Contributors:      []model.Contributor{{Name: "Aunty May", Role: "storyteller"}},
			AttributionText:   "Shared by Aunty May",
			GrantedBy:         "coordinator-7",
			ExpiresAt:         &exp,
			RevenueShare:      &model.RevenueShare{Enabled: true, Percentage: 12.5},
			TrainingOverride:  &model.TrainingOverride{GrantedBy: "Elders Council"},
			Notes:             "recorded at gathering",
		}
		created, err := s.Create(ctx, in)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if created.ID == "" || created.Seq == 0 {
			t.Fatalf("expected id and seq, got %q/%d", created.ID, created.Seq)
		}

		got, err := s.Current(ctx, storyRef)
		if err != nil {
			t.Fatalf("Current: %v", err)
		}
		if got.ID != created.ID {
			t.Errorf("expected id %s, got %s", created.ID, got.ID)
		}
		if len(got.PermittedUses) != 2 {
			t.Errorf("expected duplicate use removed, got %v", got.PermittedUses)
		}
		if got.CulturalAuthority != "Elders Council" {
			t.Errorf("authority = %q", got.CulturalAuthority)
		}
		if len(got.Contributors) != 1 || got.Contributors[0].Name != "Aunty May" {
			t.Errorf("contributors = %+v", got.Contributors)
		}
		if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
			t.Errorf("expires_at = %v, want %v", got.ExpiresAt, exp)
		}
		if got.RevenueShare == nil || got.RevenueShare.Percentage != 12.5 || !got.RevenueShare.Enabled {
			t.Errorf("revenue share = %+v", got.RevenueShare)
		}
		if got.TrainingOverride == nil || got.TrainingOverride.GrantedBy != "Elders Council" {
			t.Errorf("training override = %+v", got.TrainingOverride)
		}
		if !got.GivenAt.Equal(testNow) {
			t.Errorf("given_at = %v", got.GivenAt)
		}
	})
}

func TestLatestEntryGoverns(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		ctx := context.Background()
		first, err := s.Create(ctx, publicInput(model.UseQueryInternal))
		if err != nil {
			t.Fatalf("Create first: %v", err)
		}
		second, err := s.Create(ctx, publicInput(model.UsePublish))
		if err != nil {
			t.Fatalf("Create second: %v", err)
		}
		if second.Seq <= first.Seq {
			t.Fatalf("expected increasing seq, got %d then %d", first.Seq, second.Seq)
		}

		cur, _ := s.Current(ctx, storyRef)
		if cur.ID != second.ID {
			t.Errorf("expected newest entry to govern, got %s", cur.ID)
		}

		hist, err := s.History(ctx, storyRef)
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(hist) != 2 || hist[0].ID != second.ID || hist[1].ID != first.ID {
			t.Errorf("expected history newest first, got %+v", hist)
		}
	})
}

func TestRevokeCurrent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		ctx := context.Background()
		s.Create(ctx, publicInput(model.UsePublish))

		rev, err := s.RevokeCurrent(ctx, storyRef, model.Revocation{RevokedBy: "aunty-may", Reason: "family request"})
		if err != nil {
			t.Fatalf("RevokeCurrent: %v", err)
		}
		if !rev.Revoked || rev.RevokedBy != "aunty-may" || rev.RevocationReason != "family request" {
			t.Errorf("unexpected revocation fields: %+v", rev)
		}
		if rev.RevokedAt == nil || !rev.RevokedAt.Equal(testNow) {
			t.Errorf("revoked_at = %v", rev.RevokedAt)
		}

		cur, _ := s.Current(ctx, storyRef)
		if !cur.Revoked {
			t.Error("expected stored entry to be revoked")
		}
	})
}

func TestRevokeIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		ctx := context.Background()
		s.Create(ctx, publicInput(model.UsePublish))
		s.RevokeCurrent(ctx, storyRef, model.Revocation{RevokedBy: "first", Reason: "one"})

		again, err := s.RevokeCurrent(ctx, storyRef, model.Revocation{RevokedBy: "second", Reason: "two"})
		if err != nil {
			t.Fatalf("second revoke: %v", err)
		}
		if again.RevokedBy != "first" || again.RevocationReason != "one" {
			t.Errorf("expected first revocation kept, got %s/%s", again.RevokedBy, again.RevocationReason)
		}
	})
}

func TestRevokeMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		_, err := s.RevokeCurrent(context.Background(), storyRef, model.Revocation{RevokedBy: "x"})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRevokeRequiresActor(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		s.Create(context.Background(), publicInput(model.UsePublish))
		_, err := s.RevokeCurrent(context.Background(), storyRef, model.Revocation{})
		if !errors.Is(err, ErrInvalidConsent) {
			t.Fatalf("expected ErrInvalidConsent, got %v", err)
		}
	})
}

func TestResolveLostRevoke(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		ctx := context.Background()
		first, _ := s.Create(ctx, publicInput(model.UsePublish))
		s.Create(ctx, publicInput(model.UseQueryInternal))

		if _, err := resolveLostRevoke(ctx, s, storyRef, first.Seq); !errors.Is(err, ErrSuperseded) {
			t.Errorf("expected ErrSuperseded, got %v", err)
		}

		cur, _ := s.RevokeCurrent(ctx, storyRef, model.Revocation{RevokedBy: "x"})
		got, err := resolveLostRevoke(ctx, s, storyRef, cur.Seq)
		if err != nil {
			t.Fatalf("expected lost race on same entry to succeed, got %v", err)
		}
		if !got.Revoked {
			t.Error("expected revoked entry")
		}
	})
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	past := testNow.Add(-time.Hour)
	tests := []struct {
		name string
		in   model.ConsentInput
	}{
		{"community without authority", model.ConsentInput{
			Entity: storyRef, Level: model.LevelCommunity,
			PermittedUses: []model.PermittedUse{model.UseQueryInternal}, GrantedBy: "c",
		}},
		{"private without authority", model.ConsentInput{
			Entity: storyRef, Level: model.LevelPrivate, GrantedBy: "c",
		}},
		{"unknown level", model.ConsentInput{
			Entity: storyRef, Level: "open", PermittedUses: []model.PermittedUse{model.UsePublish}, GrantedBy: "c",
		}},
		{"unknown use", publicInput("sell_to_anyone")},
		{"no uses", publicInput()},
		{"no granter", model.ConsentInput{
			Entity: storyRef, Level: model.LevelPublic, PermittedUses: []model.PermittedUse{model.UsePublish},
		}},
		{"bad entity", model.ConsentInput{
			Entity: model.EntityRef{Type: "planet", ID: "x"}, Level: model.LevelPublic,
			PermittedUses: []model.PermittedUse{model.UsePublish}, GrantedBy: "c",
		}},
		{"expiry in past", func() model.ConsentInput {
			in := publicInput(model.UsePublish)
			in.ExpiresAt = &past
			return in
		}()},
		{"revenue over 100", func() model.ConsentInput {
			in := publicInput(model.UsePublish)
			in.RevenueShare = &model.RevenueShare{Enabled: true, Percentage: 101}
			return in
		}()},
		{"override without granter", func() model.ConsentInput {
			in := publicInput(model.UsePublish)
			in.TrainingOverride = &model.TrainingOverride{}
			return in
		}()},
	}

	forEachStore(t, func(t *testing.T, s testStore) {
		for _, tt := range tests {
			_, err := s.Create(context.Background(), tt.in)
			if !errors.Is(err, ErrInvalidConsent) {
				t.Errorf("%s: expected ErrInvalidConsent, got %v", tt.name, err)
			}
		}
		if _, err := s.Current(context.Background(), storyRef); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected no entry written, got %v", err)
		}
	})
}

func TestPublicWithoutAuthorityAccepted(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		if _, err := s.Create(context.Background(), publicInput(model.UsePublish)); err != nil {
			t.Fatalf("expected public entry without authority to be accepted: %v", err)
		}
	})
}

func TestValidationErrorCarriesCheck(t *testing.T) {
	err := Validate(model.ConsentInput{
		Entity: storyRef, Level: model.LevelPrivate, GrantedBy: "c",
	}, testNow)

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if ve.Check.Code != model.CodeCulturalAuthorityRequired {
		t.Errorf("expected cultural_authority_required, got %s", ve.Check.Code)
	}
}

func usage(id string, action model.PermittedUse, at time.Time, revenue *float64) model.UsageEntry {
	return model.UsageEntry{
		ID:        id,
		Entity:    storyRef,
		Action:    action,
		ActorID:   "analyst-1",
		Revenue:   revenue,
		CreatedAt: at,
	}
}

func TestUsageNewestFirstAndFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		ctx := context.Background()
		ten := 10.0
		s.AppendUsage(ctx, usage("u1", model.UsePublish, testNow, &ten))
		s.AppendUsage(ctx, usage("u2", model.UseQueryInternal, testNow.Add(time.Minute), nil))
		s.AppendUsage(ctx, usage("u3", model.UsePublish, testNow.Add(2*time.Minute), nil))

		all, err := s.ListUsage(ctx, storyRef, model.UsageFilter{})
		if err != nil {
			t.Fatalf("ListUsage: %v", err)
		}
		if len(all) != 3 || all[0].ID != "u3" || all[2].ID != "u1" {
			t.Fatalf("expected newest first, got %+v", all)
		}
		if all[2].Revenue == nil || *all[2].Revenue != 10 {
			t.Errorf("expected revenue 10 on u1, got %v", all[2].Revenue)
		}
		if all[0].Revenue != nil {
			t.Errorf("expected nil revenue on u3")
		}

		pub, _ := s.ListUsage(ctx, storyRef, model.UsageFilter{Action: model.UsePublish})
		if len(pub) != 2 {
			t.Errorf("expected 2 publish records, got %d", len(pub))
		}

		limited, _ := s.ListUsage(ctx, storyRef, model.UsageFilter{Limit: 1})
		if len(limited) != 1 || limited[0].ID != "u3" {
			t.Errorf("expected limit to keep newest, got %+v", limited)
		}

		window, _ := s.ListUsage(ctx, storyRef, model.UsageFilter{
			Since: testNow.Add(time.Minute),
			Until: testNow.Add(time.Minute),
		})
		if len(window) != 1 || window[0].ID != "u2" {
			t.Errorf("expected inclusive window to return u2, got %+v", window)
		}

		other, _ := s.ListUsage(ctx, model.EntityRef{Type: model.EntityStory, ID: "other"}, model.UsageFilter{})
		if len(other) != 0 {
			t.Errorf("expected no records for other entity, got %d", len(other))
		}
	})
}

func TestUsageDuplicateIDIgnored(t *testing.T) {
	forEachStore(t, func(t *testing.T, s testStore) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			if err := s.AppendUsage(ctx, usage("same", model.UsePublish, testNow, nil)); err != nil {
				t.Fatalf("AppendUsage: %v", err)
			}
		}
		got, _ := s.ListUsage(ctx, storyRef, model.UsageFilter{})
		if len(got) != 1 {
			t.Errorf("expected one record, got %d", len(got))
		}
	})
}

func TestSQLitePersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := OpenSQLite(ctx, path, fixedClock)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	created, err := s.Create(ctx, publicInput(model.UsePublish))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.Close()

	s, err = OpenSQLite(ctx, path, fixedClock)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	cur, err := s.Current(ctx, storyRef)
	if err != nil {
		t.Fatalf("Current after reopen: %v", err)
	}
	if cur.ID != created.ID {
		t.Errorf("expected %s after reopen, got %s", created.ID, cur.ID)
	}
}
