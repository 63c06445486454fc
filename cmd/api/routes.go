package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"librarydesk/internal/apperr"
	"librarydesk/internal/attendance"
	"librarydesk/internal/audit"
	"librarydesk/internal/auth"
	"librarydesk/internal/calendar"
	"librarydesk/internal/catalog"
	"librarydesk/internal/config"
	"librarydesk/internal/notify"
	"librarydesk/internal/pcsession"
	"librarydesk/internal/request"
)

type handlers struct {
	attendance *attendance.Service
	calendar   *calendar.Service
	catalog    *catalog.Service
	pcs        *pcsession.Service
	requests   *request.Service
	notifier   *notify.Notifier
	auditLog   *audit.Repository
}

func errJSON(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": apperr.Message(err)})
}

func actorFrom(c *gin.Context) catalog.Actor {
	claims := auth.FromContext(c)
	return catalog.Actor{ID: claims.Subject, Name: claims.Name}
}

func registerRoutes(r *gin.Engine, cfg config.App, h handlers) {
	v1 := r.Group("/v1")

	// Token bootstrap; identity itself is the registration system's business.
	v1.POST("/auth/token", func(c *gin.Context) {
		var req struct {
			StudentNumber string `json:"student_number" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		student, err := h.attendance.StudentByNumber(c.Request.Context(), req.StudentNumber)
		if err != nil {
			errJSON(c, err)
			return
		}
		tokens, err := auth.Issue(student.ID, student.Role, student.StudentNumber, student.Name,
			cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authed := v1.Group("", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))
	staff := authed.Group("", auth.Require(auth.RoleAdmin, auth.RoleHeadAdmin))
	students := authed.Group("", auth.Require(auth.RoleStudent))

	// Attendance
	staff.POST("/attendance/toggle", func(c *gin.Context) {
		var req struct {
			StudentNumber string `json:"student_number" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := h.attendance.Toggle(c.Request.Context(), req.StudentNumber)
		if err != nil {
			errJSON(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})

	staff.GET("/attendance/status/:studentNumber", func(c *gin.Context) {
		student, checkedIn, err := h.attendance.StatusByNumber(c.Request.Context(), c.Param("studentNumber"))
		if err != nil {
			errJSON(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"student": student, "checked_in": checkedIn})
	})

	staff.GET("/attendance/log", func(c *gin.Context) {
		entries, err := h.attendance.Log(c.Request.Context(), queryInt(c, "limit", 50), queryInt(c, "offset", 0))
		if err != nil {
			errJSON(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	})

	// Requests
	students.POST("/requests", func(c *gin.Context) {
		var req struct {
			Type          string `json:"type" binding:"required"`
			BookID        string `json:"book_id"`
			TransactionID string `json:"transaction_id"`
			PCNumber      int    `json:"pc_number"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var payload request.Payload
		switch req.Type {
		case request.TypeBorrowBook:
			payload = request.BorrowBook{BookID: req.BookID}
		case request.TypeReturnBook:
			payload = request.ReturnBook{TransactionID: req.TransactionID}
		case request.TypeReservePC:
			payload = request.ReservePC{PCNumber: req.PCNumber}
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown request type"})
			return
		}
		claims := auth.FromContext(c)
		created, err := h.requests.Create(c.Request.Context(), claims.Subject, payload)
		if err != nil {
			errJSON(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"request_id": created.ID, "status": created.Status})
	})

	staff.GET("/requests/pending", func(c *gin.Context) {
		pending, err := h.requests.Pending(c.Request.Context())
		if err != nil {
			errJSON(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"requests": pending})
	})

	staff.POST("/requests/:id/decision", func(c *gin.Context) {
		var req struct {
			Decision              string `json:"decision" binding:"required"`
			VerifiedStudentNumber string `json:"verified_student_number"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := h.requests.Decide(c.Request.Context(), c.Param("id"), req.Decision, actorFrom(c), req.VerifiedStudentNumber)
		if err != nil {
			errJSON(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})

	authed.DELETE("/requests/invalid", auth.Require(auth.RoleHeadAdmin), func(c *gin.Context) {
		n, err := h.requests.PurgeInvalid(c.Request.Context())
		if err != nil {
			errJSON(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"purged": n})
	})

	// PC stations
	staff.POST("/pcs", func(c *gin.Context) {
		var req struct {
			PCNumber int    `json:"pc_number" binding:"required"`
			Location string `json:"location"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		unit, err := h.pcs.AddUnit(c.Request.Context(), req.PCNumber, req.Location)
		if err != nil {
			errJSON(c, err)
			return
		}
		c.JSON(http.StatusCreated, unit)
	})

	authed.GET("/pcs", func(c *gin.Context) {
		status, err := h.pcs.StationStatus(c.Request.Context())
		if err != nil {
			errJSON(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"stations": status})
	})

	students.POST("/pcs/:pcNumber/apply", func(c *gin.Context) {
		pcNumber, ok := pcNumberParam(c)
		if !ok {
			return
		}
		claims := auth.FromContext(c)
		sess, err := h.pcs.Apply(c.Request.Context(), claims.Subject, pcNumber)
		if err != nil {
			errJSON(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"session_id": sess.ID, "duration_minutes": int(h.pcs.Duration().Minutes())})
	})

	students.POST("/pcs/:pcNumber/reserve", func(c *gin.Context) {
		pcNumber, ok := pcNumberParam(c)
		if !ok {
			return
		}
		claims := auth.FromContext(c)
		sess, err := h.pcs.Reserve(c.Request.Context(), claims.Subject, pcNumber)
		if err != nil {
			errJSON(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"reservation_id": sess.ID, "status": sess.Status})
	})

	authed.POST("/pcs/sessions/:id/end", func(c *gin.Context) {
		claims := auth.FromContext(c)
		ended, promoted, err := h.pcs.EndSession(c.Request.Context(), c.Param("id"), claims.Subject, claims.IsStaff())
		if err != nil {
			errJSON(c, err)
			return
		}
		resp := gin.H{"ended": ended}
		if promoted != nil {
			resp["promoted"] = promoted
		}
		c.JSON(http.StatusOK, resp)
	})

	staff.POST("/pcs/expire", func(c *gin.Context) {
		n, err := h.pcs.ExpireStale(c.Request.Context())
		if err != nil {
			errJSON(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"expired": n})
	})

	// Book catalog and direct admin ledger path
	staff.POST("/books", func(c *gin.Context) {
		var req struct {
			Title       string  `json:"title" binding:"required"`
			Author      string  `json:"author"`
			ISBN        *string `json:"isbn"`
			TotalCopies int     `json:"total_copies" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		book, err := h.catalog.AddBook(c.Request.Context(), req.Title, req.Author, req.ISBN, req.TotalCopies)
		if err != nil {
			errJSON(c, err)
			return
		}
		c.JSON(http.StatusCreated, book)
	})

	authed.GET("/books", func(c *gin.Context) {
		books, err := h.catalog.ListBooks(c.Request.Context())
		if err != nil {
			errJSON(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"books": books})
	})

	staff.POST("/books/:id/borrow", func(c *gin.Context) {
		var req struct {
			StudentNumber string `json:"student_number" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		student, err := h.attendance.StudentByNumber(c.Request.Context(), req.StudentNumber)
		if err != nil {
			errJSON(c, err)
			return
		}
		rec, err := h.catalog.AdminBorrow(c.Request.Context(), student.ID, c.Param("id"), actorFrom(c))
		if err != nil {
			errJSON(c, err)
			return
		}
		c.JSON(http.StatusCreated, rec)
	})

	staff.POST("/borrows/:id/return", func(c *gin.Context) {
		rec, err := h.catalog.AdminReturn(c.Request.Context(), c.Param("id"), actorFrom(c))
		if err != nil {
			errJSON(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	staff.GET("/students/:studentNumber/borrows", func(c *gin.Context) {
		student, err := h.attendance.StudentByNumber(c.Request.Context(), c.Param("studentNumber"))
		if err != nil {
			errJSON(c, err)
			return
		}
		records, err := h.catalog.BorrowsByStudent(c.Request.Context(), student.ID)
		if err != nil {
			errJSON(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"borrows": records})
	})

	// Holidays
	staff.POST("/holidays", func(c *gin.Context) {
		var req struct {
			Date        string `json:"date" binding:"required"`
			Description string `json:"description"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		holiday, err := h.calendar.AddHoliday(c.Request.Context(), req.Date, req.Description)
		if err != nil {
			errJSON(c, err)
			return
		}
		c.JSON(http.StatusCreated, holiday)
	})

	staff.DELETE("/holidays/:date", func(c *gin.Context) {
		if err := h.calendar.RemoveHoliday(c.Request.Context(), c.Param("date")); err != nil {
			errJSON(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": true})
	})

	staff.GET("/holidays", func(c *gin.Context) {
		holidays, err := h.calendar.Holidays(c.Request.Context())
		if err != nil {
			errJSON(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"holidays": holidays})
	})

	// Audit trail, surfaced read-only
	staff.GET("/admin/logs", func(c *gin.Context) {
		entries, err := h.auditLog.List(c.Request.Context(), queryInt(c, "limit", 50), queryInt(c, "offset", 0))
		if err != nil {
			errJSON(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	})

	// Notification preference
	students.POST("/notifications/preference", func(c *gin.Context) {
		var req struct {
			Enabled *bool `json:"enabled" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims := auth.FromContext(c)
		if err := h.notifier.SetPreference(c.Request.Context(), claims.Subject, *req.Enabled); err != nil {
			errJSON(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
	})
}

func pcNumberParam(c *gin.Context) (int, bool) {
	pcNumber, err := strconv.Atoi(c.Param("pcNumber"))
	if err != nil || pcNumber <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pc number"})
		return 0, false
	}
	return pcNumber, true
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}
