package spill

import (
	"fmt"
	"reflect"
)

// Codable reports whether values of T come back from a run exactly as they
// went in. Interfaces decode to whatever msgpack picks (an int comes back as
// int64) and unexported fields, time.Time's included, are not kept. Funcs
// and channels cannot be encoded at all.
func Codable[T any]() error {
	t := reflect.TypeOf((*T)(nil)).Elem()
	return codable(t, t.String(), map[reflect.Type]bool{})
}

func codable(t reflect.Type, path string, seen map[reflect.Type]bool) error {
	if seen[t] {
		return nil
	}
	seen[t] = true

	switch t.Kind() {
	case reflect.Interface:
		return fmt.Errorf("%s is an interface; spilled values would not keep their dynamic type", path)
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Uintptr, reflect.Complex64, reflect.Complex128:
		return fmt.Errorf("%s of kind %s cannot be spilled", path, t.Kind())
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return codable(t.Elem(), path+"[]", seen)
	case reflect.Map:
		if err := codable(t.Key(), path+"{key}", seen); err != nil {
			return err
		}
		return codable(t.Elem(), path+"{value}", seen)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				return fmt.Errorf("%s.%s is unexported and would be dropped when spilled", path, f.Name)
			}
			if err := codable(f.Type, path+"."+f.Name, seen); err != nil {
				return err
			}
		}
	}
	return nil
}
