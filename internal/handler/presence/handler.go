package presence

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/zhouzirui/z-relay/backend/internal/service/registry"
	"github.com/zhouzirui/z-relay/backend/pkg/utils"
)

// Source 提供当前在线连接的快照
type Source interface {
	Snapshot() []registry.Entry
}

// User 在线用户
type User struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Handler 在线状态查询处理器
type Handler struct {
	source Source
}

// New 创建presence处理器
func New(source Source) *Handler {
	return &Handler{source: source}
}

// RegisterRoutes 注册presence相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/presence", h.handleListOnline)
}

// handleListOnline 列出在线用户，按userId排序
func (h *Handler) handleListOnline(w http.ResponseWriter, r *http.Request) {
	users := lo.FilterMap(h.source.Snapshot(), func(e registry.Entry, _ int) (User, bool) {
		return User{UserID: e.UserID, Username: e.DisplayName}, e.Conn.IsOpen()
	})
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	utils.RespondJSON(w, http.StatusOK, users)
}
