package he

import (
	"sync"

	"github.com/CamberLoid/Satori/internal/errcode"
	log "github.com/sirupsen/logrus"
)

// Loader 保证引擎在进程内至多构造一次。
// 并发调用者会等待同一次初始化；失败结果同样被缓存，进程内不会重试
type Loader struct {
	once   sync.Once
	build  func() (Engine, error)
	engine Engine
	err    error
}

func NewLoader(build func() (Engine, error)) *Loader {
	return &Loader{build: build}
}

func (l *Loader) Get() (Engine, error) {
	l.once.Do(func() {
		log.Debugln("loading homomorphic engine")
		l.engine, l.err = l.build()
		if l.err != nil {
			l.engine = nil
			l.err = errcode.EngineInit(l.err)
			log.WithError(l.err).Errorln("homomorphic engine failed to load")
			return
		}
		log.Infoln("homomorphic engine loaded")
	})
	return l.engine, l.err
}

var defaultLoader = NewLoader(func() (Engine, error) {
	return NewLattigo()
})

// Default 返回进程级的共享引擎，首次调用时才初始化
func Default() (Engine, error) {
	return defaultLoader.Get()
}
