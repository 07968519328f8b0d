package service

import (
	"context"

	"SessionGuard/internal/model"

	"github.com/go-kratos/kratos/v2/transport/http"
)

// Operation names used by middleware selectors and request logs.
const (
	OperationGuardHealth     = "/sessionguard.v1.Guard/Health"
	OperationGuardOverview   = "/sessionguard.v1.Guard/Overview"
	OperationGuardOperations = "/sessionguard.v1.Guard/Operations"
	OperationGuardOperation  = "/sessionguard.v1.Guard/Operation"
	OperationGuardCircuits   = "/sessionguard.v1.Guard/Circuits"
	OperationGuardCache      = "/sessionguard.v1.Guard/Cache"
	OperationGuardLogin      = "/sessionguard.v1.Guard/Login"
	OperationGuardLogout     = "/sessionguard.v1.Guard/Logout"
	OperationGuardSession    = "/sessionguard.v1.Guard/Session"
	OperationGuardRefresh    = "/sessionguard.v1.Guard/Refresh"
	OperationGuardProfile    = "/sessionguard.v1.Guard/Profile"
	OperationGuardReset      = "/sessionguard.v1.Guard/Reset"
)

// RegisterGuardHTTPServer mounts the GuardService routes on s.
func RegisterGuardHTTPServer(s *http.Server, srv *GuardService) {
	r := s.Route("/v1")
	r.GET("/health", handle(OperationGuardHealth, func(ctx context.Context, _ interface{}) (interface{}, error) {
		return srv.Health(ctx)
	}))
	r.GET("/overview", handle(OperationGuardOverview, func(ctx context.Context, _ interface{}) (interface{}, error) {
		return srv.Overview(ctx)
	}))
	r.GET("/operations", handle(OperationGuardOperations, func(ctx context.Context, _ interface{}) (interface{}, error) {
		return srv.Operations(ctx)
	}))
	r.GET("/operations/{operation}", operationHandler(srv))
	r.GET("/circuits", handle(OperationGuardCircuits, func(ctx context.Context, _ interface{}) (interface{}, error) {
		return srv.Circuits(ctx)
	}))
	r.GET("/cache", handle(OperationGuardCache, func(ctx context.Context, _ interface{}) (interface{}, error) {
		return srv.Cache(ctx)
	}))
	r.POST("/session/login", loginHandler(srv))
	r.POST("/session/logout", handle(OperationGuardLogout, func(ctx context.Context, _ interface{}) (interface{}, error) {
		return srv.Logout(ctx)
	}))
	r.GET("/session", handle(OperationGuardSession, func(ctx context.Context, _ interface{}) (interface{}, error) {
		return srv.Session(ctx)
	}))
	r.POST("/session/refresh", handle(OperationGuardRefresh, func(ctx context.Context, _ interface{}) (interface{}, error) {
		return srv.Refresh(ctx)
	}))
	r.GET("/profile", handle(OperationGuardProfile, func(ctx context.Context, _ interface{}) (interface{}, error) {
		return srv.Profile(ctx)
	}))
	r.POST("/admin/reset", handle(OperationGuardReset, func(ctx context.Context, _ interface{}) (interface{}, error) {
		return srv.Reset(ctx)
	}))
}

// handle runs call through the server middleware chain and writes its reply.
func handle(operation string, call func(ctx context.Context, req interface{}) (interface{}, error)) http.HandlerFunc {
	return func(ctx http.Context) error {
		http.SetOperation(ctx, operation)
		h := ctx.Middleware(call)
		out, err := h(ctx, nil)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}

func operationHandler(srv *GuardService) http.HandlerFunc {
	return func(ctx http.Context) error {
		name := ctx.Vars().Get("operation")
		http.SetOperation(ctx, OperationGuardOperation)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.Operation(ctx, req.(string))
		})
		out, err := h(ctx, name)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}

func loginHandler(srv *GuardService) http.HandlerFunc {
	return func(ctx http.Context) error {
		var in model.Credentials
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, OperationGuardLogin)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.Login(ctx, req.(*model.Credentials))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}
