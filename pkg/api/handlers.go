package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-monitor/pkg/access"
	"github.com/core-tools/hsu-monitor/pkg/aggregation"
	"github.com/core-tools/hsu-monitor/pkg/errors"
	"github.com/core-tools/hsu-monitor/pkg/model"

	"github.com/gin-gonic/gin"
)

// actionPermission is the capability each control action requires
var actionPermission = map[model.Action]access.Permission{
	model.ActionRestart: access.Restart,
	model.ActionStop:    access.Stop,
	model.ActionDelete:  access.Delete,
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func splitIDs(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func filterFor(p access.Principal, required ...access.Permission) aggregation.ProcessFilter {
	return func(hostID, processID string) bool {
		return p.Can(hostID, processID, required...)
	}
}

func (s *Server) dashboard(c *gin.Context) {
	ctx := c.Request.Context()
	p := principal(c)
	setting := s.deps.Settings.Get(ctx)

	excludeDaemon := setting.ExcludeDaemon
	if raw := c.Query("excludeDaemon"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			abortWithError(c, errors.NewValidationError("excludeDaemon must be a boolean", err), 0)
			return
		}
		excludeDaemon = excludeDaemon || v
	}

	hosts, err := s.deps.Querier.GetDashboard(ctx, aggregation.DashboardOptions{
		ExcludeDaemon:  excludeDaemon,
		LivenessWindow: s.config.LivenessWindow,
		Hosts:          p.Sees,
		Processes: func(hostID, processID string) bool {
			return p.Resolve(hostID, processID) != access.None
		},
		Control: p.CanControl,
	})
	if err != nil {
		abortWithError(c, err, 0)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": publicSetting(setting, p), "servers": hosts})
}

func (s *Server) stats(c *gin.Context) {
	ctx := c.Request.Context()
	p := principal(c)

	bucket := s.deps.Settings.Get(ctx).FrontendPollIntervalMs / 1000
	if raw := c.Query("bucket"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			abortWithError(c, errors.NewValidationError("bucket must be an integer number of seconds", err), 0)
			return
		}
		if v > aggregation.MaxBucketWidthSeconds {
			abortWithError(c, errors.NewValidationError(
				fmt.Sprintf("bucket must not exceed %d seconds", aggregation.MaxBucketWidthSeconds), nil).WithContext("bucket", raw), 0)
			return
		}
		bucket = v
	}

	var processIDs []string
	for _, id := range splitIDs(c.Query("processIds")) {
		process, err := s.deps.Store.GetProcess(ctx, id)
		if err != nil {
			continue
		}
		if p.Can(process.HostID, process.ID, access.ViewMonitoring) {
			processIDs = append(processIDs, id)
		}
	}
	var hostIDs []string
	for _, id := range splitIDs(c.Query("hostIds")) {
		if p.Can(id, "", access.ViewMonitoring) {
			hostIDs = append(hostIDs, id)
		}
	}

	series, err := s.deps.Querier.GetSeries(ctx, processIDs, hostIDs, bucket)
	if err != nil {
		abortWithError(c, err, 0)
		return
	}
	c.JSON(http.StatusOK, series)
}

func (s *Server) logs(c *gin.Context) {
	limit := aggregation.DefaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			abortWithError(c, errors.NewValidationError("limit must be a positive integer", err), 0)
			return
		}
		limit = v
	}

	logs, err := s.deps.Querier.GetLogs(c.Request.Context(), splitIDs(c.Query("processIds")), limit, filterFor(principal(c), access.ViewLogs))
	if err != nil {
		abortWithError(c, err, 0)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (s *Server) uptime(c *gin.Context) {
	p := principal(c)
	var hostIDs []string
	for _, id := range splitIDs(c.Query("hostIds")) {
		if p.Can(id, "", access.ViewMonitoring) {
			hostIDs = append(hostIDs, id)
		}
	}

	history, err := s.deps.Querier.GetUptimeHistory(c.Request.Context(), hostIDs)
	if err != nil {
		abortWithError(c, err, 0)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (s *Server) incidents(c *gin.Context) {
	incidents, err := s.deps.Querier.GetRecentIncidents(c.Request.Context(), filterFor(principal(c), access.ViewLogs))
	if err != nil {
		abortWithError(c, err, 0)
		return
	}
	c.JSON(http.StatusOK, incidents)
}

// control records an operator request; the host's reactor executes it
func (s *Server) control(c *gin.Context) {
	ctx := c.Request.Context()
	action, ok := model.ParseAction(c.Param("action"))
	if !ok {
		abortWithError(c, errors.NewValidationError("unknown action", nil).WithContext("action", c.Param("action")), 0)
		return
	}

	process, err := s.deps.Store.GetProcess(ctx, c.Param("id"))
	if err != nil {
		abortWithError(c, err, 0)
		return
	}
	p := principal(c)
	if !p.Can(process.HostID, process.ID, actionPermission[action]) {
		abortWithError(c, errors.NewPermissionError("missing permission", nil).WithContext("action", string(action)), 0)
		return
	}

	updated, err := s.deps.Store.IncrementControl(ctx, process.ID, action)
	if err != nil {
		abortWithError(c, err, 0)
		return
	}
	s.logger.Infof("Control request recorded, process: %s, action: %s, user: %s", process.Name, action, p.UserID)
	c.JSON(http.StatusAccepted, updated.WithoutLogs())
}

// publicSetting hides the secrets from anyone but admins
func publicSetting(setting model.Setting, p access.Principal) model.Setting {
	if !p.IsPrivileged() {
		setting.RegistrationCode = ""
		setting.ProcessPin = ""
	}
	return setting
}

func (s *Server) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, publicSetting(s.deps.Settings.Get(c.Request.Context()), principal(c)))
}

func (s *Server) putSettings(c *gin.Context) {
	var setting model.Setting
	if err := c.ShouldBindJSON(&setting); err != nil {
		abortWithError(c, errors.NewValidationError("invalid setting payload", err), 0)
		return
	}
	if err := s.deps.Settings.Put(c.Request.Context(), setting); err != nil {
		abortWithError(c, err, 0)
		return
	}
	c.JSON(http.StatusOK, setting)
}

type pinRequest struct {
	Pin string `json:"pin"`
}

func (s *Server) verifyPin(c *gin.Context) {
	var request pinRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		abortWithError(c, errors.NewValidationError("invalid pin payload", err), 0)
		return
	}
	if !s.deps.Settings.VerifyPin(c.Request.Context(), request.Pin) {
		c.JSON(http.StatusForbidden, gin.H{"valid": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

func (s *Server) putUserACL(c *gin.Context) {
	ctx := c.Request.Context()
	var acl access.ACL
	if err := c.ShouldBindJSON(&acl); err != nil {
		abortWithError(c, errors.NewValidationError("invalid acl payload", err), 0)
		return
	}

	user, err := s.deps.Store.GetUser(ctx, c.Param("id"))
	if err != nil {
		abortWithError(c, err, 0)
		return
	}
	user.ACL = acl
	user, err = s.deps.Store.PutUser(ctx, user)
	if err != nil {
		abortWithError(c, err, 0)
		return
	}
	s.logger.Infof("ACL of user %s updated by %s", user.ID, principal(c).UserID)
	c.JSON(http.StatusOK, user)
}

type baselineTarget struct {
	HostID     string   `json:"server" binding:"required"`
	ProcessIDs []string `json:"processes"`
}

type baselineRequest struct {
	UserIDs []string         `json:"users" binding:"required,min=1"`
	Targets []baselineTarget `json:"targets" binding:"required,dive"`
}

// commonBaseline computes the masks shared by every selected user, the
// starting point of the bulk permission editor
func (s *Server) commonBaseline(c *gin.Context) {
	ctx := c.Request.Context()
	var request baselineRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		abortWithError(c, errors.NewValidationError("invalid baseline request", err), 0)
		return
	}

	acls := make([]access.ACL, 0, len(request.UserIDs))
	for _, id := range request.UserIDs {
		user, err := s.deps.Store.GetUser(ctx, id)
		if err != nil {
			abortWithError(c, err, 0)
			return
		}
		acls = append(acls, user.ACL)
	}

	targets := make([]access.Target, len(request.Targets))
	for i, t := range request.Targets {
		targets[i] = access.Target{HostID: t.HostID, ProcessIDs: t.ProcessIDs}
	}
	c.JSON(http.StatusOK, access.CommonBaseline(targets, acls...))
}
