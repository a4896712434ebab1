// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package postgres_test

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/authd/internal/auth"
	"github.com/holomush/authd/internal/auth/postgres"
)

func newUser(username, email string) *auth.User {
	u, err := auth.NewUser(username, email, "$argon2id$v=19$m=64,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaGhhc2hoYXNoaGFzaGhhc2g")
	Expect(err).NotTo(HaveOccurred())
	return u
}

var _ = Describe("UserRepository", func() {
	var repo *postgres.UserRepository

	BeforeEach(func() {
		truncateUsers()
		repo = postgres.NewUserRepository(pool)
	})

	Describe("Create and lookups", func() {
		It("round-trips a user", func() {
			u := newUser("alice", "alice@example.com")
			Expect(repo.Create(suiteCtx, u)).To(Succeed())

			byID, err := repo.GetByID(suiteCtx, u.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(byID.Username).To(Equal("alice"))
			Expect(byID.Role).To(Equal(auth.RoleUser))
			Expect(byID.RefreshTokenHash).To(BeNil())

			byEmail, err := repo.GetByEmail(suiteCtx, "ALICE@example.com")
			Expect(err).NotTo(HaveOccurred())
			Expect(byEmail.ID).To(Equal(u.ID))

			byName, err := repo.GetByUsername(suiteCtx, "Alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(byName.ID).To(Equal(u.ID))
		})

		It("rejects a second user with the same email in any case", func() {
			Expect(repo.Create(suiteCtx, newUser("alice", "alice@example.com"))).To(Succeed())
			err := repo.Create(suiteCtx, newUser("alice2", "Alice@Example.com"))
			Expect(err).To(MatchError(auth.ErrDuplicateEmail))
		})

		It("reports missing users", func() {
			_, err := repo.GetByID(suiteCtx, ulid.Make())
			Expect(err).To(MatchError(auth.ErrNotFound))
			_, err = repo.GetByEmail(suiteCtx, "nobody@example.com")
			Expect(err).To(MatchError(auth.ErrNotFound))
		})
	})

	Describe("Update", func() {
		It("persists the refresh token slot", func() {
			u := newUser("bob", "bob@example.com")
			Expect(repo.Create(suiteCtx, u)).To(Succeed())

			exp := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
			u.AttachRefreshToken(auth.HashRefreshToken("token"), exp)
			Expect(repo.Update(suiteCtx, u)).To(Succeed())

			got, err := repo.GetByID(suiteCtx, u.ID)
			Expect(err).NotTo(HaveOccurred())
			state, ok := got.RefreshToken()
			Expect(ok).To(BeTrue())
			Expect(state.Hash).To(Equal(auth.HashRefreshToken("token")))
			Expect(state.ExpiresAt.Equal(exp)).To(BeTrue())
		})

		It("returns ErrNotFound for an unknown user", func() {
			Expect(repo.Update(suiteCtx, newUser("ghost", "ghost@example.com"))).To(MatchError(auth.ErrNotFound))
		})
	})

	Describe("SwapRefreshToken", func() {
		var u *auth.User

		BeforeEach(func() {
			u = newUser("carol", "carol@example.com")
			u.AttachRefreshToken(auth.HashRefreshToken("current"), time.Now().Add(time.Hour).UTC())
			Expect(repo.Create(suiteCtx, u)).To(Succeed())
		})

		It("swaps when the expected hash matches", func() {
			next := auth.RefreshTokenState{Hash: auth.HashRefreshToken("next"), ExpiresAt: time.Now().Add(2 * time.Hour).UTC()}
			Expect(repo.SwapRefreshToken(suiteCtx, u.ID, auth.HashRefreshToken("current"), next, time.Now().UTC())).To(Succeed())

			got, err := repo.GetByID(suiteCtx, u.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(*got.RefreshTokenHash).To(Equal(next.Hash))
		})

		It("refuses a stale hash", func() {
			next := auth.RefreshTokenState{Hash: auth.HashRefreshToken("next"), ExpiresAt: time.Now().Add(time.Hour).UTC()}
			err := repo.SwapRefreshToken(suiteCtx, u.ID, auth.HashRefreshToken("stale"), next, time.Now().UTC())
			Expect(err).To(MatchError(auth.ErrRefreshTokenSuperseded))
		})

		It("refuses an expired slot", func() {
			next := auth.RefreshTokenState{Hash: auth.HashRefreshToken("next"), ExpiresAt: time.Now().Add(4 * time.Hour).UTC()}
			later := time.Now().Add(2 * time.Hour).UTC()
			err := repo.SwapRefreshToken(suiteCtx, u.ID, auth.HashRefreshToken("current"), next, later)
			Expect(err).To(MatchError(auth.ErrRefreshTokenSuperseded))
		})

		It("lets exactly one of many concurrent swaps win", func() {
			const racers = 8
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := range racers {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					next := auth.RefreshTokenState{
						Hash:      auth.HashRefreshToken(ulid.Make().String()),
						ExpiresAt: time.Now().Add(time.Duration(i+1) * time.Hour).UTC(),
					}
					if repo.SwapRefreshToken(suiteCtx, u.ID, auth.HashRefreshToken("current"), next, time.Now().UTC()) == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			Expect(wins).To(Equal(1))
		})
	})

	Describe("ClearExpiredRefreshTokens", func() {
		It("clears only expired slots", func() {
			now := time.Now().UTC()

			expired := newUser("dave", "dave@example.com")
			expired.AttachRefreshToken(auth.HashRefreshToken("old"), now.Add(-time.Minute))
			Expect(repo.Create(suiteCtx, expired)).To(Succeed())

			live := newUser("erin", "erin@example.com")
			live.AttachRefreshToken(auth.HashRefreshToken("new"), now.Add(time.Hour))
			Expect(repo.Create(suiteCtx, live)).To(Succeed())

			n, err := repo.ClearExpiredRefreshTokens(suiteCtx, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(1)))

			got, err := repo.GetByID(suiteCtx, expired.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.RefreshTokenHash).To(BeNil())

			got, err = repo.GetByID(suiteCtx, live.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.RefreshTokenHash).NotTo(BeNil())
		})
	})
})
