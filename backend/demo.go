package backend

// DemoSite returns a small page exercising every marker kind: an inherited
// header, a main container with a nested two-column component, an empty
// sidebar and a disabled footer.
func DemoSite() *Site {
	return &Site{
		PageID: "home",
		Title:  "Home",
		Head:   []string{`<link rel="stylesheet" href="/css/site.css">`},
		MenuID: "main-menu",
		Containers: []*Container{
			{
				ID: "header", Label: "Header", XType: "hst.nomarkup", Inherited: true,
				Components: []*Component{
					{ID: "nav", Label: "Navigation", Body: `<nav><a href="/">Home</a> <a href="/news">News</a></nav>`},
				},
			},
			{
				ID: "main", Label: "Main", XType: "hst.vbox",
				Components: []*Component{
					{
						ID: "hero", Label: "Hero banner",
						Body:  `<section class="hero"><h1>Welcome</h1><p>Spring collection is here.</p></section>`,
						Links: []string{"5f1c0b4e-hero-document"},
					},
					{
						ID: "columns", Label: "Two columns", Body: `<h3>This week</h3>`,
						Containers: []*Container{
							{ID: "left", Label: "Left column", XType: "hst.vbox", Components: []*Component{
								{ID: "intro", Label: "Intro text", Body: `<p>Our stores are open every day.</p>`},
							}},
							{ID: "right", Label: "Right column", XType: "hst.vbox"},
						},
					},
				},
			},
			{ID: "sidebar", Label: "Sidebar", XType: "hst.vbox"},
			{
				ID: "footer", Label: "Footer", XType: "hst.nomarkup", Disabled: true,
				Components: []*Component{
					{ID: "copyright", Label: "Copyright", Body: `<small>Example Inc.</small>`},
				},
			},
		},
	}
}

// DemoCatalog lists the components DemoSite accepts. "video" adds a head
// contribution the page does not have yet.
func DemoCatalog() map[string]Template {
	return map[string]Template{
		"banner": {Label: "Banner", Body: `<div class="banner"><h2>New banner</h2></div>`},
		"text":   {Label: "Rich text", Body: `<div class="text"><p>Lorem ipsum.</p></div>`},
		"video": {
			Label: "Video",
			Body:  `<div class="video" data-src="/media/intro.mp4"></div>`,
			Head:  []string{`<script src="/js/player.js"></script>`},
		},
	}
}
