package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/preview"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/projects"
	"github.com/gin-gonic/gin"
)

const htmlContentType = "text/html; charset=utf-8"

type createProjectRequest struct {
	Prompt string `json:"initial_prompt"`
}

type reviseProjectRequest struct {
	Message string `json:"message"`
}

type saveProjectRequest struct {
	Code string `json:"code"`
}

type editProjectRequest struct {
	Code     *string           `json:"code"`
	Messages []preview.Message `json:"messages"`
	Save     bool              `json:"save"`
}

type editProjectResponse struct {
	Replies []preview.Message `json:"replies"`
	Code    string            `json:"code"`
	Saved   bool              `json:"saved"`
}

func (h *httpHandler) handleCreateProject(c *gin.Context) {
	var request createProjectRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalidRequest(c)
		return
	}
	project, err := h.projects.Create(c.Request.Context(), c.GetString(userIDContextKey), request.Prompt)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"projectId": project.ID})
}

func (h *httpHandler) handleReviseProject(c *gin.Context) {
	var request reviseProjectRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalidRequest(c)
		return
	}
	err := h.projects.RequestRevision(c.Request.Context(), c.Param("id"), c.GetString(userIDContextKey), request.Message)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (h *httpHandler) handleGetProject(c *gin.Context) {
	detail, err := h.projects.Get(c.Request.Context(), c.Param("id"), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *httpHandler) handleListProjects(c *gin.Context) {
	list, err := h.projects.List(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": list})
}

func (h *httpHandler) handleSaveProject(c *gin.Context) {
	var request saveProjectRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalidRequest(c)
		return
	}
	project, err := h.projects.ManualSave(c.Request.Context(), c.Param("id"), c.GetString(userIDContextKey), request.Code)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *httpHandler) handleTogglePublish(c *gin.Context) {
	project, err := h.projects.TogglePublish(c.Request.Context(), c.Param("id"), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": project.ID, "isPublished": project.IsPublished})
}

func (h *httpHandler) handleRollback(c *gin.Context) {
	project, err := h.projects.Rollback(c.Request.Context(), c.Param("id"), c.GetString(userIDContextKey), c.Param("versionId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *httpHandler) handleDeleteProject(c *gin.Context) {
	if err := h.projects.Delete(c.Request.Context(), c.Param("id"), c.GetString(userIDContextKey)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *httpHandler) handlePublishedCode(c *gin.Context) {
	code, err := h.projects.GetPublished(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code})
}

func (h *httpHandler) handleView(c *gin.Context) {
	code, err := h.projects.GetPublished(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, htmlContentType, []byte(code))
}

func (h *httpHandler) handlePreview(c *gin.Context) {
	detail, err := h.projects.Get(c.Request.Context(), c.Param("id"), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !detail.HasCode() {
		h.respondError(c, projects.ErrProjectNotReady)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, htmlContentType, []byte(preview.InjectEditor(*detail.CurrentCode)))
}

// handleEdit replays editor commands against the project's code (or the supplied code) and
// optionally stores the cleaned result.
func (h *httpHandler) handleEdit(c *gin.Context) {
	var request editProjectRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalidRequest(c)
		return
	}
	userID := c.GetString(userIDContextKey)
	projectID := c.Param("id")

	detail, err := h.projects.Get(c.Request.Context(), projectID, userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	source := ""
	if detail.CurrentCode != nil {
		source = *detail.CurrentCode
	}
	if request.Code != nil {
		source = *request.Code
	}
	if strings.TrimSpace(source) == "" {
		h.respondError(c, projects.ErrProjectNotReady)
		return
	}

	session, err := preview.NewSession(source)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := editProjectResponse{Replies: make([]preview.Message, 0, len(request.Messages))}
	for _, message := range request.Messages {
		reply, err := session.Handle(message)
		if err != nil {
			h.respondError(c, err)
			return
		}
		response.Replies = append(response.Replies, reply)
	}
	code, err := session.Code()
	if err != nil {
		h.respondError(c, err)
		return
	}
	response.Code = code

	if request.Save {
		if _, err := h.projects.ManualSave(c.Request.Context(), projectID, userID, code); err != nil {
			h.respondError(c, err)
			return
		}
		response.Saved = true
	}
	c.JSON(http.StatusOK, response)
}
