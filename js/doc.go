// Package js the JavaScript runtime of the module graph.
//
// A VM owns a sobek.Runtime, the modules.ModuleMap of the runtime and the
// EventLoop driving both. Modules are loaded by the modules.Loader of the VM,
// loader.FS by default.
//
// Run the main module:
//
//	func main() {
//		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
//		defer cancel()
//
//		ns, err := js.RunMain(ctx, "main.js", nil)
//		if err != nil {
//			panic(err)
//		}
//
//		fmt.Println(ns.Get("default").Export())
//	}
package js
