package reconcile

import (
	"time"

	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/model"
)

// Roster diffs the current organization roster against every local user.
// Members not stored yet are inserted as active. Stored members get their
// username and avatar refreshed and are forced active. Active local users
// missing from the roster are deactivated; inactive ones are left alone.
func Roster(remote []model.MemberRecord, local []model.User, now time.Time) Plan[model.User] {
	var plan Plan[model.User]

	members, _ := dedupe(remote, func(m model.MemberRecord) int64 { return m.ID })

	byID := make(map[int64]model.User, len(local))
	for _, u := range local {
		byID[u.ID] = u
	}

	inRoster := make(map[int64]bool, len(members))
	for _, m := range members {
		inRoster[m.ID] = true

		u, ok := byID[m.ID]
		if !ok {
			plan.Insert = append(plan.Insert, model.User{
				ID:        m.ID,
				Username:  m.Login,
				AvatarURL: m.AvatarURL,
				Active:    true,
				CreatedAt: now,
				UpdatedAt: now,
			})
			continue
		}

		if u.Username == m.Login && u.AvatarURL == m.AvatarURL && u.Active {
			plan.Unchanged++
			continue
		}
		u.Username = m.Login
		u.AvatarURL = m.AvatarURL
		u.Active = true
		u.UpdatedAt = now
		plan.Update = append(plan.Update, u)
	}

	for _, u := range local {
		if inRoster[u.ID] || !u.Active {
			continue
		}
		u.Active = false
		u.UpdatedAt = now
		plan.Update = append(plan.Update, u)
	}
	return plan
}
