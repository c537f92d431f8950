package httpapi

import (
	hpprof "net/http/pprof"

	"github.com/gin-gonic/gin"
)

var namedProfiles = []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"}

func mountPprof(g *gin.RouterGroup) {
	g.GET("/", gin.WrapF(hpprof.Index))
	g.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	g.GET("/profile", gin.WrapF(hpprof.Profile))
	g.GET("/symbol", gin.WrapF(hpprof.Symbol))
	g.POST("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/trace", gin.WrapF(hpprof.Trace))
	for _, name := range namedProfiles {
		g.GET("/"+name, gin.WrapH(hpprof.Handler(name)))
	}
}
