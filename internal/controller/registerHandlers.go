// 包 controller 放计算域与 SP 共用的 gin 路由注册和响应工具
package controller

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type URLMethodPair struct {
	URLSuffix, Method string
}

// EndpointMap is a map containing endpoints and the corresponding handlers that are defined and managed by a controller.
//
// Each entry in the map is organized in the following manner.
//
//	(urlSuffix, method): handler_function_list
type EndpointMap map[URLMethodPair][]gin.HandlerFunc

// A Controller must contain an endpoint map.
type Controller interface {
	GetGroupName() string
	GetEndpointMap() EndpointMap
}

// RegisterHandlers registers the endpoint handlers in the controller to the router group.
func RegisterHandlers(r *gin.RouterGroup, c Controller) error {
	group := r.Group(c.GetGroupName())

	for pair, handlers := range c.GetEndpointMap() {
		switch {
		case strings.EqualFold(pair.Method, http.MethodGet):
			group.GET(pair.URLSuffix, handlers...)
		case strings.EqualFold(pair.Method, http.MethodPost):
			group.POST(pair.URLSuffix, handlers...)
		case strings.EqualFold(pair.Method, http.MethodPut):
			group.PUT(pair.URLSuffix, handlers...)
		case strings.EqualFold(pair.Method, http.MethodDelete):
			group.DELETE(pair.URLSuffix, handlers...)
		default:
			return fmt.Errorf("unsupported HTTP method %s", pair.Method)
		}
	}
	return nil
}

// NewRouter 建立 release 模式的 gin 引擎，请求日志走 logrus
func NewRouter(controllers ...Controller) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware())
	router.NoRoute(func(c *gin.Context) {
		Fail(c, http.StatusNotFound, fmt.Errorf("function not found: %s", c.Request.RequestURI))
	})

	root := router.Group("/")
	for _, ctl := range controllers {
		if err := RegisterHandlers(root, ctl); err != nil {
			return nil, err
		}
	}
	return router, nil
}
