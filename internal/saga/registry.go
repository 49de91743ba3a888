package saga

import (
	"fmt"
	"sort"
	"sync"
)

// Registry saga 类型名到定义的封闭映射，启动时注册完毕
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]*Definition)}
}

// Register 注册定义，名称或步骤非法时报错
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Name == "" {
		return fmt.Errorf("register saga: definition name required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("register saga %s: at least one step required", def.Name)
	}
	seen := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if step.Name == "" {
			return fmt.Errorf("register saga %s: step name required", def.Name)
		}
		if step.Run == nil {
			return fmt.Errorf("register saga %s: step %s has no forward action", def.Name, step.Name)
		}
		if seen[step.Name] {
			return fmt.Errorf("register saga %s: duplicate step name %s", def.Name, step.Name)
		}
		seen[step.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.definitions[def.Name]; ok {
		return fmt.Errorf("register saga %s: already registered", def.Name)
	}
	r.definitions[def.Name] = def
	return nil
}

// MustRegister 注册失败即 panic，用于启动期装配
func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[name]
	if !ok {
		return nil, &UnknownSagaTypeError{SagaType: name}
	}
	return def, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
