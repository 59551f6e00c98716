package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalpana-labs/kalpana-controlplane/internal/bucket"
	"github.com/kalpana-labs/kalpana-controlplane/internal/databases"
	"github.com/kalpana-labs/kalpana-controlplane/internal/deploy"
	"github.com/kalpana-labs/kalpana-controlplane/internal/store"
	"github.com/kalpana-labs/kalpana-controlplane/internal/workspace"
)

// api holds the service layer routes.go dispatches into. Session
// authentication and the rest of the browser-facing API surface are
// out of this control plane's scope; these handlers are the thin,
// unauthenticated operational surface that exercises each service's
// wiring end to end.
type api struct {
	store       store.Store
	workspaces  *workspace.Service
	deployments *deploy.Service
	databases   *databases.Service
	buckets     *bucket.Service
}

func (a *api) mount(r chi.Router) {
	r.Route("/workspaces", func(r chi.Router) {
		r.Post("/", a.createWorkspace)
		r.Post("/{id}/start", a.action(a.workspaces.Start))
		r.Post("/{id}/stop", a.action(a.workspaces.Stop))
		r.Post("/{id}/restart", a.action(a.workspaces.Restart))
		r.Delete("/{id}", a.action(func(ctx context.Context, id string) error { return a.workspaces.Destroy(ctx, id, false) }))
	})

	r.Route("/deployments", func(r chi.Router) {
		r.Post("/", a.createDeployment)
		r.Post("/{id}/deploy", a.action(func(ctx context.Context, id string) error { return a.deployments.Deploy(ctx, id, "manual") }))
		r.Post("/{id}/stop", a.action(a.deployments.Stop))
		r.Delete("/{id}", a.action(a.deployments.Delete))
	})

	r.Route("/databases", func(r chi.Router) {
		r.Post("/", a.createDatabase)
		r.Delete("/{id}", a.action(func(ctx context.Context, id string) error { return a.databases.Destroy(ctx, id, false) }))
	})

	r.Route("/buckets", func(r chi.Router) {
		r.Post("/", a.createBucket)
		r.Delete("/{id}", a.action(func(ctx context.Context, id string) error { return a.buckets.Destroy(ctx, id, false) }))
		r.Get("/{id}/objects", a.listObjects)
	})
}

// action adapts a (ctx, id) service call into a handler that reads id
// from the URL and the request's own context, replying 204 on success.
func (a *api) action(fn func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *api) createWorkspace(w http.ResponseWriter, r *http.Request) {
	var req workspace.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	ws, err := a.workspaces.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (a *api) createDeployment(w http.ResponseWriter, r *http.Request) {
	var d store.Deployment
	if !decode(w, r, &d) {
		return
	}
	if err := a.store.CreateDeployment(r.Context(), &d); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &d)
}

func (a *api) createDatabase(w http.ResponseWriter, r *http.Request) {
	var req databases.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	db, err := a.databases.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, db)
}

func (a *api) createBucket(w http.ResponseWriter, r *http.Request) {
	var req bucket.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := a.buckets.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (a *api) listObjects(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	objs, err := a.buckets.ListObjects(r.Context(), id, r.URL.Query().Get("prefix"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, objs)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}
