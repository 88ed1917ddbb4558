// handlers/progression_routes.go
package handlers

import (
	"practice-session-system/logger"
	"practice-session-system/middleware"
	"practice-session-system/services"

	"github.com/gofiber/fiber/v2"
)

// SetupProgressionRoutes exposes the caller's level, wallet and streak.
// r must already carry UserContextMiddleware.
func SetupProgressionRoutes(r fiber.Router, progressionService *services.ProgressionService, log *logger.Logger) {
	log = log.With("handler", "progression")

	r.Get("/user/progress", func(c *fiber.Ctx) error {
		userID := middleware.UserID(c)

		snap, err := progressionService.GetSnapshot(c.UserContext(), userID)
		if err != nil {
			return writeError(c, log, err)
		}
		prog := snap.Profile

		return c.JSON(fiber.Map{
			"id":                 prog.ID,
			"xp":                 prog.TotalXP,
			"level":              prog.Level,
			"rank":               prog.Rank,
			"rank_name":          rankName(prog.Rank),
			"xp_to_next_level":   snap.XPToNextLevel,
			"coins":              prog.Coins,
			"gems":               prog.Diamonds,
			"is_premium":         prog.IsPremium,
			"streak":             prog.CurrentStreak,
			"last_active_day":    prog.LastActiveDay,
			"total_sessions":     prog.TotalSessions,
			"completed_missions": snap.CompletedMissions,
			"active_session_id":  snap.ActiveSessionID,
			"last_level_up_at":   prog.LastLevelUpAt,
			"last_rank_up_at":    prog.LastRankUpAt,
		})
	})
}

func rankName(rank int) string {
	switch rank {
	case 1:
		return "Bronze"
	case 2:
		return "Silver"
	case 3:
		return "Gold"
	case 4:
		return "Platinum"
	case 5:
		return "Diamond"
	default:
		if rank > 5 {
			return "Legend"
		}
		return "Bronze"
	}
}
