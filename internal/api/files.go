package api

import (
	"net/http"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/Imrankhan9559/morganxmystic/internal/auth"
	"github.com/Imrankhan9559/morganxmystic/internal/metadata"
	"github.com/Imrankhan9559/morganxmystic/internal/protocol"
)

// maxBulkItems caps the id lists accepted by the bundle endpoints.
const maxBulkItems = 1000

func validateIDList(req *protocol.IDListRequest) error {
	return validation.ValidateStruct(req,
		validation.Field(&req.ItemIDs,
			validation.Required,
			validation.Length(1, maxBulkItems),
			validation.Each(validation.Required),
		),
	)
}

func (s *Server) readIDList(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var req protocol.IDListRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if err := validateIDList(&req); err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return req.ItemIDs, true
}

// accessible loads id and checks the caller may see it.
func (s *Server) accessible(r *http.Request, id string) (*metadata.Item, error) {
	ctx := r.Context()
	item, err := s.tree.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.tree.CanAccess(ctx, caller(ctx), item)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, metadata.ErrUnauthorized
	}
	return item, nil
}

// ─── Browsing ───────────────────────────────────────────────────────────────

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	folderID := r.URL.Query().Get("folder_id")

	resp := protocol.DashboardResponse{FolderID: folderID, Breadcrumbs: []protocol.Crumb{}}
	var items []*metadata.Item
	if folderID == "" {
		roots, err := s.tree.ListRoots(ctx, caller(ctx))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		items = roots
	} else {
		folder, err := s.accessible(r, folderID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !folder.IsFolder {
			s.sendError(w, http.StatusBadRequest, "not a folder")
			return
		}
		chain, err := s.tree.Ancestors(ctx, folderID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		for _, a := range append(chain, folder) {
			resp.Breadcrumbs = append(resp.Breadcrumbs, protocol.Crumb{ID: a.ID, Name: a.Name})
		}
		children, err := s.tree.ListChildren(ctx, folderID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		items = children
	}
	resp.Items = itemResponses(items)
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := caller(ctx)
	files, err := s.tree.ListByOwner(ctx, identity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	firstName := ""
	if claims := auth.GetClaims(ctx); claims != nil {
		firstName = claims.FirstName
	}
	if firstName == "" {
		firstName = s.creds.FirstName(ctx, identity)
	}
	s.sendJSON(w, http.StatusOK, protocol.ProfileResponse{
		Identity:  identity,
		FirstName: firstName,
		FileCount: len(files),
		Files:     itemResponses(files),
	})
}

// ─── Mutations ──────────────────────────────────────────────────────────────

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := strings.TrimSpace(r.FormValue("folder_name"))
	if err := validation.Validate(name, validation.Required.Error("folder_name is required")); err != nil {
		s.writeError(w, r, err)
		return
	}
	folder, err := s.tree.CreateFolder(ctx, name, r.FormValue("parent_id"), caller(ctx))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, itemResponse(folder))
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := strings.TrimSpace(r.FormValue("name"))
	if err := validation.Validate(name, validation.Required.Error("name is required")); err != nil {
		s.writeError(w, r, err)
		return
	}
	item, err := s.tree.Rename(ctx, caller(ctx), r.PathValue("item_id"), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, itemResponse(item))
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	item, err := s.tree.Move(ctx, caller(ctx), r.PathValue("item_id"), r.FormValue("parent_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, itemResponse(item))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("item_id")
	if err := s.tree.Delete(ctx, caller(ctx), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (s *Server) handleDeleteBundle(w http.ResponseWriter, r *http.Request) {
	ids, ok := s.readIDList(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	n, err := s.tree.BulkDelete(ctx, caller(ctx), ids)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.DeleteBundleResponse{Deleted: n})
}

// ─── Collaboration ──────────────────────────────────────────────────────────

func (s *Server) collaboratorForm(r *http.Request) (folderID, phone string, err error) {
	folderID = r.FormValue("folder_id")
	phone = strings.TrimSpace(r.FormValue("phone"))
	err = validation.Errors{
		"folder_id": validation.Validate(folderID, validation.Required),
		"phone":     validation.Validate(phone, phoneRules()...),
	}.Filter()
	return folderID, phone, err
}

func (s *Server) handleAddCollaborator(w http.ResponseWriter, r *http.Request) {
	folderID, phone, err := s.collaboratorForm(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if err := s.tree.AddCollaborator(ctx, caller(ctx), folderID, phone); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendTeam(w, r, folderID)
}

func (s *Server) handleRemoveCollaborator(w http.ResponseWriter, r *http.Request) {
	folderID, phone, err := s.collaboratorForm(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if err := s.tree.RemoveCollaborator(ctx, caller(ctx), folderID, phone); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendTeam(w, r, folderID)
}

func (s *Server) handleTeam(w http.ResponseWriter, r *http.Request) {
	s.sendTeam(w, r, r.PathValue("id"))
}

func (s *Server) sendTeam(w http.ResponseWriter, r *http.Request, folderID string) {
	ctx := r.Context()
	owner, collaborators, err := s.tree.GetTeam(ctx, caller(ctx), folderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if collaborators == nil {
		collaborators = []string{}
	}
	s.sendJSON(w, http.StatusOK, protocol.TeamResponse{Owner: owner, Collaborators: collaborators})
}
